// Package link assembles every function of a program into one buffer,
// appends the process entry stub, and patches every call site's
// placeholder NOP into a resolved BL.
package link

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/tac64/internal/arm64"
	"github.com/xyproto/tac64/internal/asm"
	"github.com/xyproto/tac64/internal/ir"
	"github.com/xyproto/tac64/internal/liveness"
	"github.com/xyproto/tac64/internal/regalloc"
)

// darwinExitSyscall is the AArch64/Darwin syscall number for exit(2).
const darwinExitSyscall = 1

// Result is the finished program: a contiguous, 4-byte-aligned
// instruction buffer and the byte offset of its entry point.
type Result struct {
	Code  []byte
	Entry uint64
}

// Link lowers every function in prog to machine code, appends the
// entry stub that calls main and then exits, and resolves every call
// site against the functions' final offsets.
func Link(prog *ir.Program) (Result, error) {
	buf := &asm.Buffer{}
	offsets := make(map[string]int, len(prog.Functions))

	for _, fn := range prog.Functions {
		lifetimes := liveness.Analyze(&fn.Body)
		alloc := regalloc.Allocate(&fn.Body, lifetimes, fn.Params)
		offsets[fn.Name] = asm.AssembleFunction(buf, &fn, alloc)
	}

	if _, ok := offsets["main"]; !ok {
		return Result{}, fmt.Errorf("link: program has no main function")
	}

	entry := buf.Offset()
	mainCallSite := buf.Offset()
	buf.Emit(arm64.Nop())
	buf.Fixups = append(buf.Fixups, asm.Fixup{Callee: "main", PlaceholderBytes: mainCallSite})
	for _, w := range arm64.MovzImm64(arm64.X16, darwinExitSyscall) {
		buf.Emit(w)
	}
	buf.Emit(arm64.Svc(0x80))

	for _, fx := range buf.Fixups {
		target, ok := offsets[fx.Callee]
		if !ok {
			return Result{}, fmt.Errorf("link: call to undefined function %q", fx.Callee)
		}
		byteOffset := int32(target - fx.PlaceholderBytes)
		word := arm64.BranchLink(byteOffset)
		binary.LittleEndian.PutUint32(buf.Code[fx.PlaceholderBytes:fx.PlaceholderBytes+4], word)
	}

	return Result{Code: buf.Code, Entry: uint64(entry)}, nil
}
