package ast

import (
	"fmt"

	"github.com/xyproto/tac64/internal/lexer"
)

// Parser is a recursive-descent parser with one token of lookahead.
type Parser struct {
	lex     *lexer.Lexer
	current lexer.Token
	peekTok lexer.Token
	hasPeek bool
}

// Parse scans and parses src into a Program. Lexical and syntax errors
// panic internally with a message naming the offending position; Parse
// recovers that panic and returns the message as an error.
func Parse(src string) (prog *Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	p := &Parser{lex: lexer.New(src)}
	p.advance()
	return p.parseProgram(), nil
}

func (p *Parser) advance() {
	if p.hasPeek {
		p.current = p.peekTok
		p.hasPeek = false
		return
	}
	p.current = p.lex.NextToken()
}

func (p *Parser) peek() lexer.Token {
	if !p.hasPeek {
		p.peekTok = p.lex.NextToken()
		p.hasPeek = true
	}
	return p.peekTok
}

func (p *Parser) expect(kind lexer.Kind) lexer.Token {
	if p.current.Kind != kind {
		panic(fmt.Sprintf("parser: %d:%d: expected %s, found %s", p.current.Line, p.current.Col, kind, p.current.Kind))
	}
	tok := p.current
	p.advance()
	return tok
}

func pos(tok lexer.Token) Pos { return Pos{Line: tok.Line, Col: tok.Col} }

func (p *Parser) parseProgram() *Program {
	prog := &Program{}
	for p.current.Kind != lexer.EOF {
		prog.Functions = append(prog.Functions, p.parseFunction())
	}
	return prog
}

func (p *Parser) parseFunction() *Function {
	start := p.current
	p.expect(lexer.KwFn)
	name := p.expect(lexer.Ident).Text
	p.expect(lexer.LParen)
	var params []string
	if p.current.Kind != lexer.RParen {
		params = append(params, p.expect(lexer.Ident).Text)
		for p.current.Kind == lexer.Comma {
			p.advance()
			params = append(params, p.expect(lexer.Ident).Text)
		}
	}
	p.expect(lexer.RParen)
	p.expect(lexer.LBrace)
	var body []Statement
	for p.current.Kind != lexer.RBrace {
		body = append(body, p.parseStatement())
	}
	p.expect(lexer.RBrace)
	return &Function{Pos: pos(start), Name: name, Params: params, Body: body}
}

func (p *Parser) parseStatement() Statement {
	switch p.current.Kind {
	case lexer.KwReturn:
		start := p.current
		p.advance()
		value := p.parseExpression()
		p.expect(lexer.Semicolon)
		return &Return{Pos: pos(start), Value: value}

	case lexer.Ident:
		// Disambiguate Declare/Assign from a bare call expression
		// statement by looking one token past the identifier.
		if p.peek().Kind == lexer.Walrus {
			start := p.current
			name := p.expect(lexer.Ident).Text
			p.expect(lexer.Walrus)
			value := p.parseExpression()
			p.expect(lexer.Semicolon)
			return &Declare{Pos: pos(start), Name: name, Value: value}
		}
		if p.peek().Kind == lexer.Assign {
			start := p.current
			name := p.expect(lexer.Ident).Text
			p.expect(lexer.Assign)
			value := p.parseExpression()
			p.expect(lexer.Semicolon)
			return &Assign{Pos: pos(start), Name: name, Value: value}
		}
		start := p.current
		value := p.parseExpression()
		p.expect(lexer.Semicolon)
		return &ExprStmt{Pos: pos(start), Value: value}

	default:
		panic(fmt.Sprintf("parser: %d:%d: expected a statement, found %s", p.current.Line, p.current.Col, p.current.Kind))
	}
}

func (p *Parser) parseExpression() Expression {
	left := p.parseTerm()
	for p.current.Kind == lexer.Plus || p.current.Kind == lexer.Minus {
		opTok := p.current
		op := OpAdd
		if opTok.Kind == lexer.Minus {
			op = OpSub
		}
		p.advance()
		right := p.parseTerm()
		left = &Binary{Pos: pos(opTok), Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseTerm() Expression {
	left := p.parseFactor()
	for p.current.Kind == lexer.Star || p.current.Kind == lexer.Slash {
		opTok := p.current
		op := OpMul
		if opTok.Kind == lexer.Slash {
			op = OpDiv
		}
		p.advance()
		right := p.parseFactor()
		left = &Binary{Pos: pos(opTok), Op: op, Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseFactor() Expression {
	switch p.current.Kind {
	case lexer.IntLiteral:
		tok := p.current
		p.advance()
		return &IntLiteral{Pos: pos(tok), Value: tok.IntVal}

	case lexer.CharLiteral:
		tok := p.current
		p.advance()
		return &CharLiteral{Pos: pos(tok), Value: tok.IntVal}

	case lexer.Ident:
		tok := p.current
		p.advance()
		if p.current.Kind == lexer.LParen {
			return p.parseCallArgs(tok)
		}
		return &Ident{Pos: pos(tok), Name: tok.Text}

	case lexer.LParen:
		p.advance()
		inner := p.parseExpression()
		p.expect(lexer.RParen)
		return inner

	default:
		panic(fmt.Sprintf("parser: %d:%d: expected an expression, found %s", p.current.Line, p.current.Col, p.current.Kind))
	}
}

func (p *Parser) parseCallArgs(nameTok lexer.Token) Expression {
	p.expect(lexer.LParen)
	var args []Expression
	if p.current.Kind != lexer.RParen {
		args = append(args, p.parseExpression())
		for p.current.Kind == lexer.Comma {
			p.advance()
			args = append(args, p.parseExpression())
		}
	}
	p.expect(lexer.RParen)
	return &Call{Pos: pos(nameTok), Name: nameTok.Text, Args: args}
}
