package format

import (
	"errors"
	"fmt"
)

var (
	ErrLayout     = errors.New("layout error")
	ErrUnresolved = errors.New("unresolved type")
	ErrCycle      = errors.New("composition cycle")
	ErrValidation = errors.New("format fingerprint mismatch")
	ErrInline     = errors.New("malformed inline format")
)

// LayoutError names the struct and field whose layout could not be
// computed.
type LayoutError struct {
	Struct string
	Field  string
	Msg    string
	Err    error
}

func (e *LayoutError) Error() string {
	where := e.Struct
	if e.Field != "" {
		where += "." + e.Field
	}
	if where == "" {
		return "layout: " + e.Msg
	}
	return fmt.Sprintf("layout %s: %s", where, e.Msg)
}

func (e *LayoutError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrLayout, e.Err}
	}
	return []error{ErrLayout}
}

// ValidationError reports a log declaring a different format than the one
// it is decoded with.
type ValidationError struct {
	Expected Fingerprint
	Found    Fingerprint
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("format fingerprint mismatch: expected %s, file declares %s", e.Expected, e.Found)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
