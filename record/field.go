package record

import (
	"strconv"
	"time"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Kind selects how a field is read.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInteger
	KindAsciiZ
	KindPosixTime
	KindVersion
	KindRecord
	KindReserved
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindInteger:   "integer",
	KindAsciiZ:    "asciiz",
	KindPosixTime: "posix-time",
	KindVersion:   "version",
	KindRecord:    "record",
	KindReserved:  "reserved",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Descriptor is the static metadata of a field.
type Descriptor struct {
	Name string
	Kind Kind

	// Width is the byte width of an integer, or of one version component.
	Width  int
	Signed bool

	// Length is the byte length of a fixed ASCII-Z string (zero reads up to
	// the terminator) or of a reserved gap.
	Length int

	// Components is the number of version components.
	Components int

	Magic    uint64
	HasMagic bool
}

// FieldOption adjusts a Descriptor while a layout is being declared.
type FieldOption func(*Descriptor)

// Magic declares the value the field must hold.
func Magic(v uint64) FieldOption {
	return func(d *Descriptor) {
		d.Magic = v
		d.HasMagic = true
	}
}

// Width overrides the on-disk width of an integer field, for example a
// 4-byte PE32 value kept in a uint64.
func Width(n int) FieldOption {
	return func(d *Descriptor) { d.Width = n }
}

type value struct {
	u uint64
	s string
	t time.Time
	v Version
}

// Field binds a Descriptor to a location inside a T.
type Field[T any] struct {
	Descriptor

	store func(*T, value)
	load  func(*T) value

	// nested records only
	read  func(*Reader, *T) error
	write func(*Writer, *T) error
	size  int
}

// Size returns the encoded size of the field, or -1 when it depends on the
// data.
func (f *Field[T]) Size() int {
	switch f.Kind {
	case KindInteger, KindPosixTime:
		return f.Width
	case KindVersion:
		return f.Components * f.Width
	case KindAsciiZ:
		if f.Length == 0 {
			return -1
		}
		return f.Length
	case KindReserved:
		return f.Length
	case KindRecord:
		return f.size
	}
	return -1
}

func newField[T any](d Descriptor, opts []FieldOption) Field[T] {
	for _, opt := range opts {
		opt(&d)
	}
	return Field[T]{Descriptor: d}
}

// Integer declares a fixed-width integer. The width defaults to the size of V.
func Integer[T any, V constraints.Integer](name string, ptr func(*T) *V, opts ...FieldOption) Field[T] {
	var zero V
	f := newField[T](Descriptor{
		Name:   name,
		Kind:   KindInteger,
		Width:  int(unsafe.Sizeof(zero)),
		Signed: ^zero < 0,
	}, opts)
	f.store = func(rec *T, v value) { *ptr(rec) = V(v.u) }
	if f.Signed && f.Width > 0 && f.Width < 8 {
		// sign-extend from the encoded width
		shift := uint(64 - 8*f.Width)
		f.store = func(rec *T, v value) { *ptr(rec) = V(int64(v.u<<shift) >> shift) }
	}
	f.load = func(rec *T) value { return value{u: uint64(*ptr(rec))} }
	return f
}

// AsciiZ declares an ASCII string. A positive length reads exactly that many
// bytes and trims at the first NUL; zero reads up to the terminator.
func AsciiZ[T any](name string, ptr func(*T) *string, length int, opts ...FieldOption) Field[T] {
	f := newField[T](Descriptor{Name: name, Kind: KindAsciiZ, Length: length}, opts)
	f.store = func(rec *T, v value) { *ptr(rec) = v.s }
	f.load = func(rec *T) value { return value{s: *ptr(rec)} }
	return f
}

// PosixTime declares a 32-bit count of seconds since the Unix epoch.
func PosixTime[T any](name string, ptr func(*T) *time.Time, opts ...FieldOption) Field[T] {
	f := newField[T](Descriptor{Name: name, Kind: KindPosixTime, Width: 4}, opts)
	f.store = func(rec *T, v value) { *ptr(rec) = v.t }
	f.load = func(rec *T) value { return value{t: *ptr(rec)} }
	return f
}

// VersionNumber declares components consecutive integers of width bytes each.
func VersionNumber[T any](name string, ptr func(*T) *Version, components, width int, opts ...FieldOption) Field[T] {
	f := newField[T](Descriptor{Name: name, Kind: KindVersion, Components: components, Width: width}, opts)
	f.store = func(rec *T, v value) { *ptr(rec) = v.v }
	f.load = func(rec *T) value { return value{v: *ptr(rec)} }
	return f
}

// Nested declares a record of type U embedded in T.
func Nested[T, U any](name string, ptr func(*T) *U, layout *Layout[U], opts ...FieldOption) Field[T] {
	f := newField[T](Descriptor{Name: name, Kind: KindRecord}, opts)
	f.size = layout.Size()
	f.read = func(r *Reader, rec *T) error {
		v, err := layout.Read(r)
		if err != nil {
			return err
		}
		*ptr(rec) = *v
		return nil
	}
	f.write = func(w *Writer, rec *T) error {
		return layout.Encode(w, ptr(rec))
	}
	return f
}

// Reserved declares n bytes that are skipped on read and zeroed on write.
func Reserved[T any](name string, n int) Field[T] {
	return newField[T](Descriptor{Name: name, Kind: KindReserved, Length: n}, nil)
}
