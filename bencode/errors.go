package bencode

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every decoding failure.
var ErrMalformed = errors.New("bencode: malformed encoding")

// ErrUnsupportedType is matched when a Go value has no bencode form.
var ErrUnsupportedType = errors.New("bencode: unsupported type")

// SyntaxError reports where and why decoding stopped.
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: malformed encoding at offset %d: %s", e.Offset, e.Reason)
}

func (e *SyntaxError) Unwrap() error {
	return ErrMalformed
}

// EncodeError reports a value that could not be encoded.
type EncodeError struct {
	Type string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("bencode: cannot encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
