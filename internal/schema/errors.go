package schema

import (
	"errors"
	"fmt"
)

var (
	ErrParse = errors.New("header parse error")
	// ErrDirective is returned for preprocessor lines outside the supported set.
	ErrDirective = errors.New("unsupported preprocessor directive")
)

// Pos is a location in a header file. Line and Col are 1-based.
type Pos struct {
	File string
	Line int
	Col  int
}

func (p Pos) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Col)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// ParseError reports malformed header text. Token is the offending token as
// written, empty at end of input.
type ParseError struct {
	Pos   Pos
	Token string
	Msg   string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("%s: %s (near %q)", e.Pos, e.Msg, e.Token)
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrParse, e.Err}
	}
	return []error{ErrParse}
}

func errorAt(tok token, format string, args ...any) *ParseError {
	text := tok.text
	if tok.kind == tokEOF {
		text = ""
	}
	return &ParseError{Pos: tok.pos, Token: text, Msg: fmt.Sprintf(format, args...)}
}
