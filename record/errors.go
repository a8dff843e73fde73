package record

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfStream is returned when the stream ends before a read completes.
	ErrEndOfStream = errors.New("unexpected end of stream")

	// ErrSignatureMismatch is returned when a field declared with a magic
	// value holds something else.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrUnknownFieldType is returned for a field kind or width that has no
	// reader. It points at a broken layout, not at bad input.
	ErrUnknownFieldType = errors.New("unknown field type")

	// ErrOutOfRange is returned when a value cannot be represented in the
	// target encoding, such as a timestamp outside the 32-bit POSIX window.
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidOperation is returned by peeks at the end of the stream.
	ErrInvalidOperation = errors.New("invalid operation")
)

// SignatureError reports a magic field that did not match.
type SignatureError struct {
	Field string
	Want  uint64
	Got   uint64
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s: signature mismatch: want %#x, got %#x", e.Field, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrSignatureMismatch) hold.
func (e *SignatureError) Is(target error) bool {
	return target == ErrSignatureMismatch
}

// FieldError locates a failure inside a record.
type FieldError struct {
	Record string
	Field  string
	Offset int64
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s.%s at %#x: %v", e.Record, e.Field, e.Offset, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
