package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrFilter      = errors.New("filter error")
	ErrUnknownStep = errors.New("unknown step")
	ErrBadValue    = errors.New("value does not fit column")
)

// FilterError is a step that could not run: its column is missing or a
// value or bound does not parse as the column's kind.
type FilterError struct {
	Step   int // 1-based position in the pipeline, 0 if not yet placed
	Op     string
	Column string
	Msg    string
	Err    error
}

func (e *FilterError) Error() string {
	where := e.Op
	if e.Step > 0 {
		where = fmt.Sprintf("step %d (%s)", e.Step, e.Op)
	}
	if e.Column != "" {
		where += " on " + e.Column
	}
	return where + ": " + e.Msg
}

func (e *FilterError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFilter, e.Err}
	}
	return []error{ErrFilter}
}
