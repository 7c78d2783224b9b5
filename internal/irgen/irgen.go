// Package irgen lowers a checked AST into the linear IR the core
// consumes, following the original implementation's BlockBuilder
// algorithm: each variable name maps to its current vreg, reassignment
// rebinds the name to a freshly allocated vreg rather than reusing the
// old one, and Mul/Div operands are always forced into vregs first.
package irgen

import (
	"github.com/xyproto/tac64/internal/ast"
	"github.com/xyproto/tac64/internal/ir"
)

// Generate lowers every function in prog into an ir.Program. The input
// is assumed to have already passed sema.Check; irgen performs no
// validation of its own.
func Generate(prog *ast.Program) *ir.Program {
	out := &ir.Program{}
	for _, fn := range prog.Functions {
		out.Functions = append(out.Functions, generateFunction(fn))
	}
	return out
}

type blockBuilder struct {
	vregs map[string]ir.VReg
	next  ir.VReg
	ops   []ir.Operation
}

func (b *blockBuilder) fresh() ir.VReg {
	v := b.next
	b.next++
	return v
}

func (b *blockBuilder) emit(op ir.Operation) {
	b.ops = append(b.ops, op)
}

func generateFunction(fn *ast.Function) ir.Function {
	b := &blockBuilder{vregs: make(map[string]ir.VReg)}
	params := make([]ir.VReg, len(fn.Params))
	for i, param := range fn.Params {
		v := b.fresh()
		b.vregs[param] = v
		params[i] = v
	}
	for _, stmt := range fn.Body {
		b.lowerStatement(stmt)
	}
	return ir.Function{Name: fn.Name, Params: params, Body: ir.BasicBlock{Ops: b.ops}}
}

func (b *blockBuilder) lowerStatement(stmt ast.Statement) {
	switch s := stmt.(type) {
	case *ast.Declare:
		dest := b.fresh()
		b.lowerInto(s.Value, dest)
		b.vregs[s.Name] = dest

	case *ast.Assign:
		// Vregs are single-assignment: a reassignment gets a brand new
		// vreg and the name is rebound to it. Nothing in this language
		// can take a vreg's address, so the old one simply drops out of
		// use and liveness analysis retires it naturally.
		dest := b.fresh()
		b.lowerInto(s.Value, dest)
		b.vregs[s.Name] = dest

	case *ast.Return:
		b.emit(ir.ReturnOp(b.lowerValue(s.Value)))

	case *ast.ExprStmt:
		if call, ok := s.Value.(*ast.Call); ok {
			b.emit(ir.CallOp(call.Name, b.lowerArgs(call.Args)))
			return
		}
		// A bare non-call expression statement is still lowered, so any
		// calls nested inside it are emitted; its result is discarded.
		b.lowerValue(s.Value)
	}
}

// lowerInto lowers expr with dest as its preferred destination vreg,
// avoiding a redundant Assign when the expression already computes
// directly into a fresh vreg (Binary, Call).
func (b *blockBuilder) lowerInto(expr ast.Expression, dest ir.VReg) {
	switch e := expr.(type) {
	case *ast.Binary:
		b.lowerBinaryInto(e, dest)
	case *ast.Call:
		b.emit(ir.CallOpWithDest(e.Name, dest, b.lowerArgs(e.Args)))
	default:
		b.emit(ir.AssignOp(b.lowerValue(expr), dest))
	}
}

// lowerValue lowers expr to a SourceVal, allocating a fresh vreg (and
// emitting whatever operations are needed to populate it) only when the
// expression isn't already a bare literal or variable reference.
func (b *blockBuilder) lowerValue(expr ast.Expression) ir.SourceVal {
	switch e := expr.(type) {
	case *ast.IntLiteral:
		return ir.Imm(e.Value)
	case *ast.CharLiteral:
		return ir.Imm(e.Value)
	case *ast.Ident:
		return ir.Reg(b.vregs[e.Name])
	case *ast.Binary:
		dest := b.fresh()
		b.lowerBinaryInto(e, dest)
		return ir.Reg(dest)
	case *ast.Call:
		dest := b.fresh()
		b.emit(ir.CallOpWithDest(e.Name, dest, b.lowerArgs(e.Args)))
		return ir.Reg(dest)
	default:
		panic("irgen: unhandled expression type")
	}
}

// lowerArgs lowers each call argument expression to a SourceVal, in
// AAPCS order. Unlike Mul/Div operands, a call argument may stay an
// immediate: the assembler materializes it directly into its argument
// register with MOVZ instead of routing it through a vreg first.
func (b *blockBuilder) lowerArgs(args []ast.Expression) []ir.SourceVal {
	if len(args) == 0 {
		return nil
	}
	out := make([]ir.SourceVal, len(args))
	for i, arg := range args {
		out[i] = b.lowerValue(arg)
	}
	return out
}

// materialize forces v into a vreg, emitting an Assign if it's an
// immediate. Mul/Div operands can't be encoded as immediates (the
// emitter only has register-operand forms for them), so they must
// already live in a vreg by the time they reach the core.
func (b *blockBuilder) materialize(v ir.SourceVal) ir.VReg {
	if !v.IsImm() {
		return v.VReg()
	}
	dest := b.fresh()
	b.emit(ir.AssignOp(v, dest))
	return dest
}

func (b *blockBuilder) lowerBinaryInto(e *ast.Binary, dest ir.VReg) {
	left := b.lowerValue(e.Left)
	right := b.lowerValue(e.Right)
	switch e.Op {
	case ast.OpAdd:
		b.emit(ir.AddOp(left, right, dest))
	case ast.OpSub:
		b.emit(ir.SubOp(left, right, dest))
	case ast.OpMul:
		b.emit(ir.MulOp(b.materialize(left), b.materialize(right), dest))
	case ast.OpDiv:
		b.emit(ir.DivOp(ir.Reg(b.materialize(left)), ir.Reg(b.materialize(right)), dest))
	}
}
