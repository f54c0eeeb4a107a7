package decode

import (
	"errors"
	"fmt"
)

var (
	ErrDecode    = errors.New("decode error")
	ErrHeader    = errors.New("missing or short format header")
	ErrTruncated = errors.New("stream ended inside a record")
	ErrNoFormat  = errors.New("no format for fingerprint")
	ErrMismatch  = errors.New("inputs use different formats")
)

// DecodeError is a failure at a byte offset of the input. Corrupt bytes
// between records are not errors; they are skipped and reported.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
