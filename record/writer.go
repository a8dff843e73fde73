package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

var zeros [64]byte

// Writer is the encoding counterpart of Reader.
type Writer struct {
	w      io.Writer
	origin int64
	n      int64
	buf    [8]byte
}

// NewWriter wraps w. origin is the logical position of the first byte written.
func NewWriter(w io.Writer, origin int64) *Writer {
	return &Writer{w: w, origin: origin}
}

// Position returns origin plus the number of bytes written.
func (w *Writer) Position() int64 { return w.origin + w.n }

// Write implements io.Writer and advances Position.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}

// WriteUint writes the low width bytes of v.
func (w *Writer) WriteUint(v uint64, width int) error {
	b := w.buf[:]
	binary.LittleEndian.PutUint64(b, v)
	switch width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: %d-byte integer", ErrUnknownFieldType, width)
	}
	_, err := w.Write(b[:width])
	return err
}

// WriteAsciiZ writes s NUL-padded to length, or NUL-terminated when length is
// zero.
func (w *Writer) WriteAsciiZ(s string, length int) error {
	if length == 0 {
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
		return w.Pad(1)
	}
	if len(s) > length {
		return fmt.Errorf("%w: %q does not fit in %d bytes", ErrOutOfRange, s, length)
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	return w.Pad(length - len(s))
}

// Pad writes n zero bytes.
func (w *Writer) Pad(n int) error {
	for n > 0 {
		m := min(n, len(zeros))
		if _, err := w.Write(zeros[:m]); err != nil {
			return err
		}
		n -= m
	}
	return nil
}

// Align pads with zeros until Position is a multiple of n.
func (w *Writer) Align(n int) error {
	if n < 2 {
		return nil
	}
	return w.Pad(padding(w.Position(), n))
}

// Encode writes rec using the layout. Values are written as stored; magic
// fields are not filled in.
func (l *Layout[T]) Encode(w *Writer, rec *T) error {
	for i := range l.fields {
		f := &l.fields[i]
		if err := f.encode(w, rec); err != nil {
			return &FieldError{Record: l.name, Field: f.Name, Offset: w.Position(), Err: err}
		}
		if l.pack > 1 {
			if err := w.Align(l.pack); err != nil {
				return err
			}
		}
	}
	return nil
}

// Marshal encodes rec at origin 0.
func (l *Layout[T]) Marshal(rec *T) ([]byte, error) {
	var buf bytes.Buffer
	if err := l.Encode(NewWriter(&buf, 0), rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Field[T]) encode(w *Writer, rec *T) error {
	if f.HasMagic && f.Kind != KindInteger {
		return fmt.Errorf("%w: magic on %v field", ErrUnknownFieldType, f.Kind)
	}
	switch f.Kind {
	case KindRecord:
		return f.write(w, rec)
	case KindInteger:
		return w.WriteUint(f.load(rec).u, f.Width)
	case KindAsciiZ:
		return w.WriteAsciiZ(f.load(rec).s, f.Length)
	case KindPosixTime:
		u, err := ToPosix(f.load(rec).t)
		if err != nil {
			return err
		}
		return w.WriteUint(uint64(u), 4)
	case KindVersion:
		v := f.load(rec).v
		for i := 0; i < f.Components; i++ {
			if err := w.WriteUint(uint64(v.component(i)), f.Width); err != nil {
				return err
			}
		}
		return nil
	case KindReserved:
		return w.Pad(f.Length)
	}
	return fmt.Errorf("%w: %v", ErrUnknownFieldType, f.Kind)
}
