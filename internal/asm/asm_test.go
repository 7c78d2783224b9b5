package asm

import (
	"testing"

	"github.com/xyproto/tac64/internal/arm64"
	"github.com/xyproto/tac64/internal/ir"
	"github.com/xyproto/tac64/internal/liveness"
	"github.com/xyproto/tac64/internal/regalloc"
)

func assemble(t *testing.T, ops ...ir.Operation) []byte {
	t.Helper()
	return assembleFn(t, nil, ops...)
}

func assembleFn(t *testing.T, params []ir.VReg, ops ...ir.Operation) []byte {
	t.Helper()
	block := &ir.BasicBlock{Ops: ops}
	lifetimes := liveness.Analyze(block)
	alloc := regalloc.Allocate(block, lifetimes, params)
	buf := &Buffer{}
	fn := &ir.Function{Name: "f", Params: params, Body: *block}
	AssembleFunction(buf, fn, alloc)
	return buf.Code
}

func wordAt(code []byte, i int) uint32 {
	return uint32(code[i]) | uint32(code[i+1])<<8 | uint32(code[i+2])<<16 | uint32(code[i+3])<<24
}

// decodeMovReg recognizes a `mov dest, src` (ORR dest, XZR, src) word and
// extracts its operands, or reports ok=false for anything else.
func decodeMovReg(word uint32) (dest, src arm64.Register, ok bool) {
	if word&0xffe0ffe0 != 0xaa0003e0 {
		return 0, 0, false
	}
	return arm64.Register(word & 0x1f), arm64.Register((word >> 16) & 0x1f), true
}

func TestEmitArgMovesBreaksASwapCycle(t *testing.T) {
	e := &functionEmitter{buf: &Buffer{}}
	e.emitArgMoves([]argMove{
		{dst: arm64.X0, src: arm64.X1},
		{dst: arm64.X1, src: arm64.X0},
	})

	// Simulate the emitted instructions against symbolic register
	// contents: a naive sequential copy would overwrite one value
	// before the other move reads it, so this traces the actual
	// dataflow rather than just counting instructions.
	contents := map[arm64.Register]string{arm64.X0: "orig-x0", arm64.X1: "orig-x1"}
	for i := 0; i+4 <= len(e.buf.Code); i += 4 {
		dest, src, ok := decodeMovReg(wordAt(e.buf.Code, i))
		if !ok {
			t.Fatalf("unexpected non-MovReg instruction at byte %d: 0x%08X", i, wordAt(e.buf.Code, i))
		}
		contents[dest] = contents[src]
	}
	if contents[arm64.X0] != "orig-x1" || contents[arm64.X1] != "orig-x0" {
		t.Fatalf("swap produced x0=%q x1=%q, want x0=orig-x1 x1=orig-x0", contents[arm64.X0], contents[arm64.X1])
	}
}

func TestEmitArgMovesOrdersAroundAnImmediateOverwrite(t *testing.T) {
	e := &functionEmitter{buf: &Buffer{}}
	e.emitArgMoves([]argMove{
		{dst: arm64.X0, isImm: true, imm: 7},
		{dst: arm64.X1, src: arm64.X0},
	})

	if len(e.buf.Code) != 8 {
		t.Fatalf("got %d bytes, want 8 (one MovReg + one MOVZ)", len(e.buf.Code))
	}
	dest, src, ok := decodeMovReg(wordAt(e.buf.Code, 0))
	if !ok || dest != arm64.X1 || src != arm64.X0 {
		t.Fatalf("first instruction must read x0 into x1 before x0 is overwritten, got 0x%08X", wordAt(e.buf.Code, 0))
	}
	if wordAt(e.buf.Code, 4) != arm64.Movz(arm64.X0, 7, 0) {
		t.Fatalf("second instruction must materialize the immediate into x0 after it's been read, got 0x%08X", wordAt(e.buf.Code, 4))
	}
}

func TestAssembleFunctionMovesCallArgumentsIntoArgumentRegisters(t *testing.T) {
	// add(b, a): the callee reads argument registers in order, so if a
	// and b already sit in x0/x1 respectively (the opposite of what
	// the call needs), the assembler must still land b in x0 and a in
	// x1 without losing either value.
	code := assembleFn(t, nil,
		ir.AssignOp(ir.Imm(10), ir.VReg(0)), // a
		ir.AssignOp(ir.Imm(3), ir.VReg(1)),  // b
		ir.CallOp("add", []ir.SourceVal{ir.Reg(1), ir.Reg(0)}),
		ir.ReturnOp(ir.Imm(0)),
	)

	// Run the words up to the call placeholder against a simulated
	// register file and stack (MOVZ #imm, STR/LDR [sp, #off], MOV reg),
	// then check what the callee would read from x0 and x1.
	regs := make(map[arm64.Register]int64)
	stack := make(map[uint32]int64)
	foundFixup := false
	for i := 0; i+4 <= len(code); i += 4 {
		w := wordAt(code, i)
		if w == arm64.Nop() {
			foundFixup = true
			break
		}
		rt := arm64.Register(w & 0x1f)
		off := (w >> 10) & 0xfff
		switch {
		case w&0xffe00000 == 0xd2800000:
			regs[rt] = int64((w >> 5) & 0xffff)
		case w&0xffc00000 == 0xf9000000:
			stack[off] = regs[rt]
		case w&0xffc00000 == 0xf9400000:
			regs[rt] = stack[off]
		default:
			if dest, src, ok := decodeMovReg(w); ok {
				regs[dest] = regs[src]
			}
		}
	}
	if !foundFixup {
		t.Fatal("expected a NOP call-site placeholder for the call to add")
	}
	if regs[arm64.X0] != 3 || regs[arm64.X1] != 10 {
		t.Fatalf("at the call: x0=%d x1=%d, want x0=3 (b) x1=10 (a)", regs[arm64.X0], regs[arm64.X1])
	}
}

func TestAssembleFunctionEmitsPrologueAndEpilogueWithNoSpills(t *testing.T) {
	code := assemble(t, ir.ReturnOp(ir.Imm(0)))

	if wordAt(code, 0) != arm64.StpPre(arm64.FP, arm64.LR, arm64.SP, -16) {
		t.Errorf("first word is not the FP/LR prologue store")
	}
	if wordAt(code, 4) != arm64.AddImm(arm64.FP, arm64.SP, 0) {
		t.Errorf("second word is not `mov fp, sp`")
	}

	last := len(code) - 4
	if wordAt(code, last) != arm64.Ret() {
		t.Errorf("last word is not RET")
	}
	if wordAt(code, last-4) != arm64.LdpPost(arm64.FP, arm64.LR, arm64.SP, 16) {
		t.Errorf("second-to-last word is not the FP/LR epilogue restore")
	}
}

func TestAssembleFunctionFoldsConstantArithmetic(t *testing.T) {
	code := assemble(t,
		ir.AddOp(ir.Imm(2), ir.Imm(3), 0),
		ir.ReturnOp(ir.Reg(0)),
	)
	// Immediate+immediate folds to a single MOVZ of the sum (5), so no
	// ADD instruction should appear anywhere in the body. The scan starts
	// after the two prologue words, since `mov fp, sp` is itself encoded
	// as `add fp, sp, #0`.
	for i := 8; i+4 <= len(code); i += 4 {
		w := wordAt(code, i)
		if w&0xff000000 == 0x91000000 {
			t.Fatalf("found an ADD (imm) instruction at byte %d; constant folding should have eliminated it", i)
		}
		if w&0xff000000 == 0x8b000000 {
			t.Fatalf("found an ADD (reg) instruction at byte %d; constant folding should have eliminated it", i)
		}
	}
}

func TestAssembleFunctionReservesStackForSpills(t *testing.T) {
	var ops []ir.Operation
	for i := 0; i < 16; i++ {
		ops = append(ops, ir.AssignOp(ir.Imm(int64(i)), ir.VReg(i)))
	}
	sum := ir.Reg(ir.VReg(0))
	next := ir.VReg(16)
	for i := 1; i < 16; i++ {
		ops = append(ops, ir.AddOp(sum, ir.Reg(ir.VReg(i)), next))
		sum = ir.Reg(next)
		next++
	}
	ops = append(ops, ir.ReturnOp(sum))

	code := assemble(t, ops...)
	// Expect a `sub sp, sp, #imm` after the mov fp, sp (prologue grows
	// past 8 bytes only when a spill slot was actually reserved).
	subOpcode := wordAt(code, 8) & 0xff000000
	if subOpcode != 0xd1000000 {
		t.Fatalf("expected a SUB (imm) stack reservation at byte 8, got opcode 0x%08X", wordAt(code, 8))
	}
}
