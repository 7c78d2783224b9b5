// Package ireval interprets the linear IR directly, without touching
// the register allocator, assembler, or linker. It exists purely as a
// host-architecture-independent oracle for the IR generator's lowering:
// it runs anywhere `go test` runs, unlike the compiled AArch64 binary,
// which only executes on darwin/arm64.
package ireval

import (
	"fmt"

	"github.com/xyproto/tac64/internal/ir"
)

// Run interprets prog starting at its main function and returns the
// value it returns, truncated to a byte the way the process's exit
// status would be.
func Run(prog *ir.Program) (int64, error) {
	main, ok := prog.Lookup("main")
	if !ok {
		return 0, fmt.Errorf("ireval: program has no main function")
	}
	v, err := call(prog, main, nil)
	if err != nil {
		return 0, err
	}
	return v & 0xff, nil
}

// call interprets one invocation of fn with the given already-evaluated
// argument values, in a fresh register file private to this frame.
func call(prog *ir.Program, fn *ir.Function, args []int64) (int64, error) {
	regs := make(map[ir.VReg]int64)
	for i, p := range fn.Params {
		if i < len(args) {
			regs[p] = args[i]
		}
	}

	read := func(s ir.SourceVal) int64 {
		if s.IsImm() {
			return s.Imm64()
		}
		return regs[s.VReg()]
	}

	for _, op := range fn.Body.Ops {
		switch op.Kind {
		case ir.OpAssign:
			regs[op.Dest] = read(op.Src)

		case ir.OpAdd:
			regs[op.Dest] = read(op.A) + read(op.B)

		case ir.OpSub:
			regs[op.Dest] = read(op.A) - read(op.B)

		case ir.OpMul:
			regs[op.Dest] = regs[op.MulA] * regs[op.MulB]

		case ir.OpDiv:
			divisor := read(op.B)
			if divisor == 0 {
				return 0, fmt.Errorf("ireval: division by zero in %q", fn.Name)
			}
			regs[op.Dest] = read(op.A) / divisor

		case ir.OpCall:
			callee, ok := prog.Lookup(op.Function)
			if !ok {
				return 0, fmt.Errorf("ireval: call to undefined function %q", op.Function)
			}
			argVals := make([]int64, len(op.Args))
			for i, a := range op.Args {
				argVals[i] = read(a)
			}
			result, err := call(prog, callee, argVals)
			if err != nil {
				return 0, err
			}
			if op.HasDest {
				regs[op.Dest] = result
			}

		case ir.OpReturn:
			return read(op.Src), nil

		default:
			return 0, fmt.Errorf("ireval: unhandled operation kind %v", op.Kind)
		}
	}
	return 0, fmt.Errorf("ireval: function %q fell off the end without a return", fn.Name)
}
