package pecoff

import (
	"errors"

	"pecoff/record"
)

var (
	// ErrInvalidPEFile matches every *InvalidPEFileError.
	ErrInvalidPEFile = errors.New("invalid PE file")

	// ErrNoDirectory is returned when a data directory is absent or empty.
	ErrNoDirectory = errors.New("data directory not present")

	ErrEndOfStream       = record.ErrEndOfStream
	ErrSignatureMismatch = record.ErrSignatureMismatch
	ErrOutOfRange        = record.ErrOutOfRange
)

// InvalidKind is the stage at which a PE file was rejected.
type InvalidKind int

const (
	InvalidDosHeader InvalidKind = iota + 1
	InvalidCoffHeader
	InvalidPEHeader
	InvalidCorHeader
	InvalidRva
)

func (k InvalidKind) String() string {
	switch k {
	case InvalidDosHeader:
		return "invalid DOS header"
	case InvalidCoffHeader:
		return "invalid COFF header"
	case InvalidPEHeader:
		return "invalid PE header"
	case InvalidCorHeader:
		return "invalid COR header"
	case InvalidRva:
		return "invalid RVA"
	}
	return "invalid"
}

// InvalidPEFileError reports the stage at which parsing failed and why.
type InvalidPEFileError struct {
	Kind InvalidKind
	Err  error
}

func (e *InvalidPEFileError) Error() string {
	if e.Err == nil {
		return "invalid PE file: " + e.Kind.String()
	}
	return "invalid PE file: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *InvalidPEFileError) Unwrap() error { return e.Err }

func (e *InvalidPEFileError) Is(target error) bool { return target == ErrInvalidPEFile }

func invalid(kind InvalidKind, err error) error {
	return &InvalidPEFileError{Kind: kind, Err: err}
}

// KindOf returns the rejection stage carried by err, or 0.
func KindOf(err error) InvalidKind {
	var e *InvalidPEFileError
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
