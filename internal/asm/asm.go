// Package asm assembles one function's IR basic block, together with
// its register-allocator output, into native AArch64 machine code
// appended to a shared program buffer.
package asm

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/tac64/internal/arm64"
	"github.com/xyproto/tac64/internal/ir"
	"github.com/xyproto/tac64/internal/regalloc"
)

// Fixup is a forward reference to a not-yet-placed function: the byte
// offset of a NOP placeholder that must later be rewritten into a BL
// once the callee's start offset is known.
type Fixup struct {
	Callee           string
	PlaceholderBytes int
}

// Buffer accumulates the whole program's machine code across every
// function, plus the fixups collected along the way.
type Buffer struct {
	Code   []byte
	Fixups []Fixup
}

// Offset is the byte position the next emitted instruction will occupy.
func (b *Buffer) Offset() int { return b.offset() }

func (b *Buffer) offset() int { return len(b.Code) }

// Emit appends one 32-bit instruction word in little-endian order. It
// is exported so the linker can emit the entry stub into the same
// buffer functions are assembled into.
func (b *Buffer) Emit(word uint32) { b.emit(word) }

func (b *Buffer) emit(word uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], word)
	b.Code = append(b.Code, tmp[:]...)
}

// stackBytes pads slots up to a multiple of two (16-byte alignment) and
// returns the byte count the prologue/epilogue must adjust the stack
// pointer by.
func stackBytes(slots int) int {
	if slots == 0 {
		return 0
	}
	padded := slots
	if padded%2 != 0 {
		padded++
	}
	return padded * 8
}

// AssembleFunction appends fn's machine code to buf and returns the byte
// offset at which it starts.
func AssembleFunction(buf *Buffer, fn *ir.Function, alloc regalloc.Result) int {
	start := buf.offset()

	adjustment := stackBytes(alloc.StackSize)

	buf.emit(arm64.StpPre(arm64.FP, arm64.LR, arm64.SP, -16))
	// "mov fp, sp" is an alias of "add fp, sp, #0": the ORR form MovReg
	// emits reads register 31 as XZR, not SP.
	buf.emit(arm64.AddImm(arm64.FP, arm64.SP, 0))
	if adjustment > 0 {
		buf.emit(arm64.SubImm(arm64.SP, arm64.SP, uint32(adjustment)))
	}

	e := &functionEmitter{buf: buf, alloc: alloc, adjustment: adjustment}
	for i, op := range fn.Body.Ops {
		e.emitOp(i, op)
	}

	return start
}

type functionEmitter struct {
	buf        *Buffer
	alloc      regalloc.Result
	adjustment int
}

// resolve returns v's assigned physical register at instruction i,
// emitting any prerequisite load/save the guard specifies exactly once
// per instruction even if v is referenced more than once by the same
// operation (e.g. `a + a`).
func (e *functionEmitter) resolve(seen map[ir.VReg]arm64.Register, v ir.VReg, i int) arm64.Register {
	if r, ok := seen[v]; ok {
		return r
	}
	g, ok := e.alloc.Guards[regalloc.GuardKey{VReg: v, Index: i}]
	if !ok {
		panic(fmt.Sprintf("asm: no register guard for %s at instruction %d", v, i))
	}
	r := g.Reg()
	switch guard := g.(type) {
	case regalloc.Ready:
		// nothing to do
	case regalloc.Load:
		e.buf.emit(arm64.LdrImm(guard.Register, arm64.SP, int32(guard.Slot*8)))
	case regalloc.Save:
		e.buf.emit(arm64.StrImm(guard.Register, arm64.SP, int32(guard.Slot*8)))
	case regalloc.SaveAndLoad:
		e.buf.emit(arm64.StrImm(guard.Register, arm64.SP, int32(guard.SaveSlot*8)))
		e.buf.emit(arm64.LdrImm(guard.Register, arm64.SP, int32(guard.LoadSlot*8)))
	default:
		panic(fmt.Sprintf("asm: unhandled guard type %T", g))
	}
	seen[v] = r
	return r
}

func (e *functionEmitter) emitOp(i int, op ir.Operation) {
	seen := make(map[ir.VReg]arm64.Register)

	switch op.Kind {
	case ir.OpAssign:
		dest := e.resolve(seen, op.Dest, i)
		if op.Src.IsImm() {
			for _, w := range arm64.MovzImm64(dest, op.Src.Imm64()) {
				e.buf.emit(w)
			}
		} else {
			src := e.resolve(seen, op.Src.VReg(), i)
			if src != dest {
				e.buf.emit(arm64.MovReg(dest, src))
			}
		}

	case ir.OpAdd:
		e.emitAddSub(seen, i, op, true)

	case ir.OpSub:
		e.emitAddSub(seen, i, op, false)

	case ir.OpMul:
		dest := e.resolve(seen, op.Dest, i)
		a := e.resolve(seen, op.MulA, i)
		b := e.resolve(seen, op.MulB, i)
		e.buf.emit(arm64.Mul(dest, a, b))

	case ir.OpDiv:
		dest := e.resolve(seen, op.Dest, i)
		if op.A.IsImm() || op.B.IsImm() {
			panic("asm: division operand must be materialized into a vreg before codegen")
		}
		a := e.resolve(seen, op.A.VReg(), i)
		b := e.resolve(seen, op.B.VReg(), i)
		e.buf.emit(arm64.SDiv(dest, a, b))

	case ir.OpCall:
		for _, save := range e.alloc.CallerSaves[i] {
			e.buf.emit(arm64.StrImm(save.Register, arm64.SP, int32(save.Slot*8)))
		}
		e.emitCallArgs(seen, i, op.Args)
		placeholder := e.buf.offset()
		e.buf.emit(arm64.Nop())
		e.buf.Fixups = append(e.buf.Fixups, Fixup{Callee: op.Function, PlaceholderBytes: placeholder})
		if op.HasDest {
			dest := e.resolve(seen, op.Dest, i)
			if dest != arm64.X0 {
				e.buf.emit(arm64.MovReg(dest, arm64.X0))
			}
		}

	case ir.OpReturn:
		if op.Src.IsImm() {
			for _, w := range arm64.MovzImm64(arm64.X0, op.Src.Imm64()) {
				e.buf.emit(w)
			}
		} else {
			src := e.resolve(seen, op.Src.VReg(), i)
			if src != arm64.X0 {
				e.buf.emit(arm64.MovReg(arm64.X0, src))
			}
		}
		if e.adjustment > 0 {
			e.buf.emit(arm64.AddImm(arm64.SP, arm64.SP, uint32(e.adjustment)))
		}
		e.buf.emit(arm64.LdpPost(arm64.FP, arm64.LR, arm64.SP, 16))
		e.buf.emit(arm64.Ret())

	default:
		panic(fmt.Sprintf("asm: unhandled operation kind %v", op.Kind))
	}
}

// argMove is one pending "put this value in this argument register"
// step: either an immediate to materialize with MOVZ, or a value
// already resolved to a source register that must be copied over.
type argMove struct {
	dst   arm64.Register
	isImm bool
	imm   int64
	src   arm64.Register
}

// emitCallArgs resolves each call argument to its current register (or
// immediate) and moves it into its AAPCS argument register (X0, X1,
// ...), immediately before the BL placeholder.
//
// Two arguments can be resolved to registers that are each other's
// destination (e.g. `f(b, a)` where a and b already sit in X0 and X1
// respectively) — a naive sequential copy would overwrite one value
// before the other move reads it. emitArgMoves orders the copies so a
// register is only overwritten after every move that still needs to
// read it has run, breaking any remaining cycle through a scratch
// register.
func (e *functionEmitter) emitCallArgs(seen map[ir.VReg]arm64.Register, i int, args []ir.SourceVal) {
	if len(args) > len(arm64.ArgRegisters) {
		panic(fmt.Sprintf("asm: call with %d arguments exceeds the %d AAPCS argument registers this compiler supports", len(args), len(arm64.ArgRegisters)))
	}
	moves := make([]argMove, len(args))
	for k, arg := range args {
		dst := arm64.ArgRegisters[k]
		if arg.IsImm() {
			moves[k] = argMove{dst: dst, isImm: true, imm: arg.Imm64()}
			continue
		}
		moves[k] = argMove{dst: dst, src: e.resolve(seen, arg.VReg(), i)}
	}
	e.emitArgMoves(moves)
}

func (e *functionEmitter) emitArgMoves(moves []argMove) {
	pending := make([]argMove, 0, len(moves))
	for _, m := range moves {
		if m.isImm || m.dst != m.src {
			pending = append(pending, m)
		}
	}

	for len(pending) > 0 {
		progressed := false
		for idx, m := range pending {
			if neededAsSource(pending, m.dst, idx) {
				continue
			}
			e.emitArgMove(m)
			pending = append(pending[:idx], pending[idx+1:]...)
			progressed = true
			break
		}
		if progressed {
			continue
		}

		// Every remaining move's destination is some other pending move's
		// source: a register cycle. Break it by evacuating the first
		// move's destination into a scratch register, then redirecting
		// whichever move was reading that destination to read the
		// scratch register instead — the freed-up destination resolves
		// normally on the next pass.
		head := pending[0]
		scratch := scratchRegister(pending)
		e.buf.emit(arm64.MovReg(scratch, head.dst))
		for idx := range pending {
			if !pending[idx].isImm && pending[idx].src == head.dst {
				pending[idx].src = scratch
			}
		}
	}
}

func (e *functionEmitter) emitArgMove(m argMove) {
	if m.isImm {
		for _, w := range arm64.MovzImm64(m.dst, m.imm) {
			e.buf.emit(w)
		}
		return
	}
	e.buf.emit(arm64.MovReg(m.dst, m.src))
}

// neededAsSource reports whether some pending move other than the one
// at skip still needs to read dst, i.e. dst can't be overwritten yet.
func neededAsSource(pending []argMove, dst arm64.Register, skip int) bool {
	for idx, m := range pending {
		if idx == skip || m.isImm {
			continue
		}
		if m.src == dst {
			return true
		}
	}
	return false
}

// scratchRegister picks a caller-saved register used by no pending
// move, to temporarily hold a value while breaking a copy cycle.
func scratchRegister(pending []argMove) arm64.Register {
	used := make(map[arm64.Register]bool)
	for _, m := range pending {
		used[m.dst] = true
		if !m.isImm {
			used[m.src] = true
		}
	}
	for _, r := range arm64.CallerSaved {
		if !used[r] {
			return r
		}
	}
	panic("asm: no scratch register available to break an argument copy cycle")
}

// emitAddSub handles both Add and Sub, folding immediate operands into
// the imm12 instruction form where possible and materializing a
// constant directly with MOVZ when both operands are immediate.
func (e *functionEmitter) emitAddSub(seen map[ir.VReg]arm64.Register, i int, op ir.Operation, isAdd bool) {
	dest := e.resolve(seen, op.Dest, i)

	if op.A.IsImm() && op.B.IsImm() {
		var result int64
		if isAdd {
			result = op.A.Imm64() + op.B.Imm64()
		} else {
			result = op.A.Imm64() - op.B.Imm64()
		}
		for _, w := range arm64.MovzImm64(dest, result) {
			e.buf.emit(w)
		}
		return
	}

	switch {
	case !op.A.IsImm() && !op.B.IsImm():
		a := e.resolve(seen, op.A.VReg(), i)
		b := e.resolve(seen, op.B.VReg(), i)
		if isAdd {
			e.buf.emit(arm64.AddReg(dest, a, b))
		} else {
			e.buf.emit(arm64.SubReg(dest, a, b))
		}

	case op.B.IsImm():
		a := e.resolve(seen, op.A.VReg(), i)
		imm := op.B.Imm64()
		if imm < 0 || imm > 0xfff {
			panic(fmt.Sprintf("asm: immediate operand %d does not fit in imm12", imm))
		}
		if isAdd {
			e.buf.emit(arm64.AddImm(dest, a, uint32(imm)))
		} else {
			e.buf.emit(arm64.SubImm(dest, a, uint32(imm)))
		}

	default: // op.A.IsImm() && !op.B.IsImm()
		b := e.resolve(seen, op.B.VReg(), i)
		if isAdd {
			imm := op.A.Imm64()
			if imm < 0 || imm > 0xfff {
				panic(fmt.Sprintf("asm: immediate operand %d does not fit in imm12", imm))
			}
			e.buf.emit(arm64.AddImm(dest, b, uint32(imm)))
			return
		}
		// Sub has no "imm - reg" encoding: materialize the immediate into
		// dest first, then subtract the register operand from it.
		for _, w := range arm64.MovzImm64(dest, op.A.Imm64()) {
			e.buf.emit(w)
		}
		e.buf.emit(arm64.SubReg(dest, dest, b))
	}
}
