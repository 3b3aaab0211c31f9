package parser

import (
	"fmt"
	"strings"
)

// TokenType is the kind of a lexical token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError
	TokenNewline
	TokenWord
	TokenAnd        // &&
	TokenOr         // ||
	TokenBackground // &
	TokenSemicolon  // ;
	TokenPipe       // |
	TokenRedirect   // <, > or >>
)

var tokenNames = [...]string{
	TokenEOF:        "end of input",
	TokenError:      "error",
	TokenNewline:    "newline",
	TokenWord:       "word",
	TokenAnd:        "&&",
	TokenOr:         "||",
	TokenBackground: "&",
	TokenSemicolon:  ";",
	TokenPipe:       "|",
	TokenRedirect:   "redirection",
}

func (t TokenType) String() string {
	if t >= 0 && int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// Token is a lexical token. The Text of a word has its quotes removed;
// the Text of an error token is the message.
type Token struct {
	Type TokenType
	Text string
	Pos  int
}

func (t Token) String() string {
	switch t.Type {
	case TokenWord:
		return fmt.Sprintf("%q", t.Text)
	case TokenRedirect:
		return t.Text
	}
	return t.Type.String()
}

// Lexer splits a command line into tokens.
type Lexer struct {
	input string
	pos   int
}

// NewLexer creates a Lexer for input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// NextToken returns the next token. After the end of input it keeps
// returning TokenEOF.
func (l *Lexer) NextToken() Token {
	l.skipBlank()
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}
	}
	start := l.pos
	switch c := l.input[l.pos]; c {
	case '\n':
		l.pos++
		return Token{Type: TokenNewline, Pos: start}
	case ';':
		l.pos++
		return Token{Type: TokenSemicolon, Text: ";", Pos: start}
	case '&':
		if l.twice(c) {
			return Token{Type: TokenAnd, Text: "&&", Pos: start}
		}
		return Token{Type: TokenBackground, Text: "&", Pos: start}
	case '|':
		if l.twice(c) {
			return Token{Type: TokenOr, Text: "||", Pos: start}
		}
		return Token{Type: TokenPipe, Text: "|", Pos: start}
	case '<':
		l.pos++
		return Token{Type: TokenRedirect, Text: "<", Pos: start}
	case '>':
		if l.twice(c) {
			return Token{Type: TokenRedirect, Text: ">>", Pos: start}
		}
		return Token{Type: TokenRedirect, Text: ">", Pos: start}
	}
	return l.scanWord(start)
}

// skipBlank skips spaces and tabs and a comment running to the end of
// the line. Newlines are tokens.
func (l *Lexer) skipBlank() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\r':
			l.pos++
		case '#':
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

// twice consumes c, and a second c if one follows, reporting which.
func (l *Lexer) twice(c byte) bool {
	l.pos++
	if l.pos < len(l.input) && l.input[l.pos] == c {
		l.pos++
		return true
	}
	return false
}

func isMeta(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', ';', '&', '|', '<', '>':
		return true
	}
	return false
}

// scanWord reads one word, joining its quoted and unquoted parts.
func (l *Lexer) scanWord(start int) Token {
	var b strings.Builder
	for l.pos < len(l.input) && !isMeta(l.input[l.pos]) {
		switch c := l.input[l.pos]; c {
		case '\'':
			end := strings.IndexByte(l.input[l.pos+1:], '\'')
			if end < 0 {
				return Token{Type: TokenError, Text: "unterminated single quote", Pos: l.pos}
			}
			b.WriteString(l.input[l.pos+1 : l.pos+1+end])
			l.pos += end + 2
		case '"':
			quote := l.pos
			l.pos++
			for {
				if l.pos >= len(l.input) {
					return Token{Type: TokenError, Text: "unterminated double quote", Pos: quote}
				}
				c := l.input[l.pos]
				if c == '"' {
					l.pos++
					break
				}
				if c == '\\' && l.pos+1 < len(l.input) && strings.IndexByte(`"\$`+"`", l.input[l.pos+1]) >= 0 {
					l.pos++
					c = l.input[l.pos]
				}
				b.WriteByte(c)
				l.pos++
			}
		case '\\':
			l.pos++
			if l.pos < len(l.input) {
				if l.input[l.pos] != '\n' {
					b.WriteByte(l.input[l.pos])
				}
				l.pos++
			}
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return Token{Type: TokenWord, Text: b.String(), Pos: start}
}

// Tokens returns the remaining tokens up to and including TokenEOF or
// the first TokenError.
func (l *Lexer) Tokens() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return tokens
		}
	}
}
