// Package sema is the single-pass semantic analyzer: it checks the
// parsed tree obeys every rule the IR generator and core assume
// (declare-before-use, unique function names, a return in main,
// resolvable call targets) and reports every violation it finds.
package sema

import (
	"github.com/xyproto/tac64/internal/ast"
	"github.com/xyproto/tac64/internal/diag"
)

// Type is a declared variable's type. Both types are represented as
// 64-bit quantities at the IR layer; the distinction only matters here,
// for diagnostics.
type Type int

const (
	I64 Type = iota
	Char
)

// Check walks prog and returns every semantic violation found. An empty
// bag (HasErrors() == false) means the program is safe to lower to IR.
func Check(prog *ast.Program) *diag.Bag {
	bag := &diag.Bag{}

	functions := make(map[string]*ast.Function)
	for _, fn := range prog.Functions {
		if _, dup := functions[fn.Name]; dup {
			bag.Add(fn.Position().Line, fn.Position().Col, "function %q redeclared", fn.Name)
			continue
		}
		functions[fn.Name] = fn
	}

	for _, fn := range prog.Functions {
		checkFunction(fn, functions, bag)
	}

	if main, ok := functions["main"]; ok {
		if !containsReturn(main.Body) {
			bag.Add(main.Position().Line, main.Position().Col, "function \"main\" must contain a return statement")
		}
	} else {
		bag.Add(0, 0, "program has no \"main\" function")
	}

	return bag
}

func containsReturn(body []ast.Statement) bool {
	for _, stmt := range body {
		if _, ok := stmt.(*ast.Return); ok {
			return true
		}
	}
	return false
}

func checkFunction(fn *ast.Function, functions map[string]*ast.Function, bag *diag.Bag) {
	scope := make(map[string]Type, len(fn.Params))
	for _, param := range fn.Params {
		scope[param] = I64
	}

	for _, stmt := range fn.Body {
		checkStatement(stmt, scope, functions, bag)
	}
}

func checkStatement(stmt ast.Statement, scope map[string]Type, functions map[string]*ast.Function, bag *diag.Bag) {
	switch s := stmt.(type) {
	case *ast.Declare:
		checkExpression(s.Value, scope, functions, bag)
		scope[s.Name] = typeOf(s.Value, scope)

	case *ast.Assign:
		if _, declared := scope[s.Name]; !declared {
			bag.Add(s.Pos.Line, s.Pos.Col, "assignment to undeclared variable %q", s.Name)
		}
		checkExpression(s.Value, scope, functions, bag)

	case *ast.Return:
		checkExpression(s.Value, scope, functions, bag)

	case *ast.ExprStmt:
		checkExpression(s.Value, scope, functions, bag)
	}
}

func checkExpression(expr ast.Expression, scope map[string]Type, functions map[string]*ast.Function, bag *diag.Bag) {
	switch e := expr.(type) {
	case *ast.Ident:
		if _, declared := scope[e.Name]; !declared {
			bag.Add(e.Pos.Line, e.Pos.Col, "use of undeclared variable %q", e.Name)
		}

	case *ast.Call:
		if _, ok := functions[e.Name]; !ok {
			bag.Add(e.Pos.Line, e.Pos.Col, "call to undeclared function %q", e.Name)
		}
		for _, arg := range e.Args {
			checkExpression(arg, scope, functions, bag)
		}

	case *ast.Binary:
		checkExpression(e.Left, scope, functions, bag)
		checkExpression(e.Right, scope, functions, bag)

	case *ast.IntLiteral, *ast.CharLiteral:
		// always well-typed
	}
}

// typeOf infers a declared variable's type from its initializer. Any
// expression involving an i64 literal or arithmetic degrades the result
// to I64; a bare char literal or a direct copy of a char variable keeps
// Char. This only affects diagnostics; codegen treats both uniformly.
func typeOf(expr ast.Expression, scope map[string]Type) Type {
	switch e := expr.(type) {
	case *ast.CharLiteral:
		return Char
	case *ast.Ident:
		if t, ok := scope[e.Name]; ok {
			return t
		}
		return I64
	default:
		return I64
	}
}
