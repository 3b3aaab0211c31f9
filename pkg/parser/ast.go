/*
Package parser reads the command language of the kproc shell and init.

The language is a small subset of the POSIX shell:
  - Simple commands: words separated by blanks
  - Quoting with '...', "..." and backslash
  - Comments from # to the end of the line
  - AND-OR lists joined with && and ||
  - Lists ended by ;, & (run in the background) or a newline

Pipelines and redirections are recognised and rejected with
ErrUnsupported.
*/
package parser

import (
	"strconv"
	"strings"
)

// Script is a parsed sequence of lists.
type Script struct {
	Lists []*List
}

func (s *Script) String() string {
	parts := make([]string, len(s.Lists))
	for i, l := range s.Lists {
		parts[i] = l.String()
	}
	return strings.Join(parts, "; ")
}

// Simple returns the only command of a script that consists of one
// foreground command.
func (s *Script) Simple() (*Command, bool) {
	if len(s.Lists) != 1 {
		return nil, false
	}
	l := s.Lists[0]
	if l.Background || len(l.Commands) != 1 {
		return nil, false
	}
	return l.Commands[0], true
}

// List is an AND-OR list. Ops[i] joins Commands[i] and Commands[i+1]
// and is TokenAnd or TokenOr.
type List struct {
	Commands   []*Command
	Ops        []TokenType
	Background bool
}

func (l *List) String() string {
	var b strings.Builder
	for i, c := range l.Commands {
		if i > 0 {
			b.WriteString(" " + l.Ops[i-1].String() + " ")
		}
		b.WriteString(c.String())
	}
	if l.Background {
		b.WriteString(" &")
	}
	return b.String()
}

// Eval runs the commands of l with the usual short-circuit rules and
// returns the status of the last one run. Zero is success.
func (l *List) Eval(run func(*Command) int) int {
	status := run(l.Commands[0])
	for i, op := range l.Ops {
		if (op == TokenAnd) == (status == 0) {
			status = run(l.Commands[i+1])
		}
	}
	return status
}

// Command is a simple command. Args[0] is the program.
type Command struct {
	Args []string
	Pos  int
}

func (c *Command) String() string {
	words := make([]string, len(c.Args))
	for i, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\#;&|<>") {
			a = strconv.Quote(a)
		}
		words[i] = a
	}
	return strings.Join(words, " ")
}
