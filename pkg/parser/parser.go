package parser

import (
	"errors"
	"fmt"
)

var (
	ErrSyntax      = errors.New("syntax error")
	ErrUnsupported = errors.New("unsupported operator")
)

// Parser is a recursive descent parser over a Lexer.
type Parser struct {
	lexer *Lexer
	tok   Token
}

// NewParser creates a Parser for input.
func NewParser(input string) *Parser {
	return &Parser{lexer: NewLexer(input)}
}

// Parse reads the whole input.
func (p *Parser) Parse() (*Script, error) {
	p.next()
	s := &Script{}
	for {
		p.skipNewlines()
		if p.tok.Type == TokenEOF {
			return s, nil
		}
		l, err := p.parseList()
		if err != nil {
			return nil, err
		}
		s.Lists = append(s.Lists, l)

		switch p.tok.Type {
		case TokenBackground:
			l.Background = true
			p.next()
		case TokenSemicolon, TokenNewline:
			p.next()
		case TokenEOF:
		default:
			return nil, p.unexpected()
		}
	}
}

func (p *Parser) next() {
	p.tok = p.lexer.NextToken()
}

func (p *Parser) skipNewlines() {
	for p.tok.Type == TokenNewline {
		p.next()
	}
}

func (p *Parser) unexpected() error {
	switch p.tok.Type {
	case TokenError:
		return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.tok.Pos, p.tok.Text)
	case TokenPipe, TokenRedirect:
		return fmt.Errorf("%w at offset %d: %s", ErrUnsupported, p.tok.Pos, p.tok)
	}
	return fmt.Errorf("%w at offset %d: unexpected %s", ErrSyntax, p.tok.Pos, p.tok)
}

// parseList parses commands joined by && and ||. A newline may follow
// either operator.
func (p *Parser) parseList() (*List, error) {
	l := &List{}
	for {
		c, err := p.parseCommand()
		if err != nil {
			return nil, err
		}
		l.Commands = append(l.Commands, c)

		if p.tok.Type != TokenAnd && p.tok.Type != TokenOr {
			return l, nil
		}
		l.Ops = append(l.Ops, p.tok.Type)
		p.next()
		p.skipNewlines()
	}
}

func (p *Parser) parseCommand() (*Command, error) {
	if p.tok.Type != TokenWord {
		return nil, p.unexpected()
	}
	c := &Command{Pos: p.tok.Pos}
	for p.tok.Type == TokenWord {
		c.Args = append(c.Args, p.tok.Text)
		p.next()
	}
	if p.tok.Type == TokenPipe || p.tok.Type == TokenRedirect || p.tok.Type == TokenError {
		return nil, p.unexpected()
	}
	return c, nil
}

// Parse is a convenience wrapper around NewParser(input).Parse().
func Parse(input string) (*Script, error) {
	return NewParser(input).Parse()
}
