package record

import (
	"bytes"
	"fmt"
)

// Layout is the ordered field table of a record type. Layouts are built once,
// usually as package variables, and are safe for concurrent use.
type Layout[T any] struct {
	name   string
	pack   int
	fields []Field[T]
	size   int
}

// NewLayout declares a record. When pack is greater than 1 the stream is
// aligned to a multiple of pack after every field.
func NewLayout[T any](name string, pack int, fields ...Field[T]) *Layout[T] {
	l := &Layout[T]{name: name, pack: pack, fields: fields}
	for i := range fields {
		n := fields[i].Size()
		if n < 0 || pack > 1 {
			l.size = -1
			break
		}
		l.size += n
	}
	return l
}

func (l *Layout[T]) Name() string { return l.name }
func (l *Layout[T]) Pack() int    { return l.pack }

// Size returns the encoded size, or -1 when it depends on the data or on the
// stream position.
func (l *Layout[T]) Size() int { return l.size }

// Fields returns the field descriptors in declaration order.
func (l *Layout[T]) Fields() []Descriptor {
	ds := make([]Descriptor, len(l.fields))
	for i := range l.fields {
		ds[i] = l.fields[i].Descriptor
	}
	return ds
}

// Read parses one record. Nothing is returned unless every field was read.
func (l *Layout[T]) Read(r *Reader) (*T, error) {
	rec := new(T)
	for i := range l.fields {
		f := &l.fields[i]
		pos := r.Position()
		if err := f.decode(r, rec); err != nil {
			return nil, &FieldError{Record: l.name, Field: f.Name, Offset: pos, Err: err}
		}
		if l.pack > 1 {
			if err := r.Align(l.pack); err != nil {
				return nil, &FieldError{Record: l.name, Field: f.Name, Offset: r.Position(), Err: err}
			}
		}
	}
	return rec, nil
}

// Unmarshal parses one record from the start of b.
func (l *Layout[T]) Unmarshal(b []byte) (*T, error) {
	return l.Read(NewReader(bytes.NewReader(b), 0))
}

func (f *Field[T]) decode(r *Reader, rec *T) error {
	if f.HasMagic && f.Kind != KindInteger {
		return fmt.Errorf("%w: magic on %v field", ErrUnknownFieldType, f.Kind)
	}
	switch f.Kind {
	case KindRecord:
		return f.read(r, rec)
	case KindInteger:
		if f.Width > len(r.buf) {
			return fmt.Errorf("%w: %d-byte integer", ErrUnknownFieldType, f.Width)
		}
		u, err := r.readUint(f.Width)
		if err != nil {
			return err
		}
		if err := CheckMagic(f.Descriptor, u); err != nil {
			return err
		}
		f.store(rec, value{u: u})
	case KindAsciiZ:
		var (
			s   string
			err error
		)
		if f.Length > 0 {
			s, err = r.ReadFixedAsciiZ(f.Length)
		} else {
			s, err = r.ReadAsciiZ()
		}
		if err != nil {
			return err
		}
		f.store(rec, value{s: s})
	case KindPosixTime:
		u, err := r.ReadUint32()
		if err != nil {
			return err
		}
		t, err := FromPosix(int64(u))
		if err != nil {
			return err
		}
		f.store(rec, value{t: t})
	case KindVersion:
		if f.Components <= 0 || f.Width <= 0 || f.Width > 4 {
			return fmt.Errorf("%w: version of %d x %d bytes", ErrUnknownFieldType, f.Components, f.Width)
		}
		raw, err := r.ReadBytes(f.Components * f.Width)
		if err != nil {
			return err
		}
		v, err := DecodeVersion(f.Descriptor, raw)
		if err != nil {
			return err
		}
		f.store(rec, value{v: v})
	case KindReserved:
		return r.Skip(f.Length)
	default:
		return fmt.Errorf("%w: %v", ErrUnknownFieldType, f.Kind)
	}
	return nil
}
