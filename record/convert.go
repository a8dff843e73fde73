package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Version is a dotted multi-component version number.
type Version []uint32

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return strings.Join(parts, ".")
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v Version) component(i int) uint32 {
	if i < len(v) {
		return v[i]
	}
	return 0
}

func (v Version) Major() uint32 { return v.component(0) }
func (v Version) Minor() uint32 { return v.component(1) }

// DecodeInteger decodes a little-endian unsigned integer of 1, 2, 4 or 8
// bytes.
func DecodeInteger(raw []byte) (uint64, error) {
	switch len(raw) {
	case 1:
		return uint64(raw[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(raw)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw)), nil
	case 8:
		return binary.LittleEndian.Uint64(raw), nil
	}
	return 0, fmt.Errorf("%w: %d-byte integer", ErrUnknownFieldType, len(raw))
}

// CheckMagic compares a value just read for d against its declared magic.
func CheckMagic(d Descriptor, got uint64) error {
	if !d.HasMagic || got == d.Magic {
		return nil
	}
	return &SignatureError{Field: d.Name, Want: d.Magic, Got: got}
}

// DecodeVersion assembles d.Components integers of d.Width bytes from raw.
func DecodeVersion(d Descriptor, raw []byte) (Version, error) {
	if d.Components <= 0 || d.Width <= 0 || d.Width > 4 {
		return nil, fmt.Errorf("%w: version of %d x %d bytes", ErrUnknownFieldType, d.Components, d.Width)
	}
	if len(raw) < d.Components*d.Width {
		return nil, ErrEndOfStream
	}
	v := make(Version, d.Components)
	for i := range v {
		c, err := DecodeInteger(raw[i*d.Width : (i+1)*d.Width])
		if err != nil {
			return nil, err
		}
		v[i] = uint32(c)
	}
	return v, nil
}

// FromPosix converts seconds since 1970-01-01T00:00:00Z. Only the 32-bit
// unsigned window is accepted.
func FromPosix(seconds int64) (time.Time, error) {
	if seconds < 0 || seconds > math.MaxUint32 {
		return time.Time{}, fmt.Errorf("%w: posix time %d", ErrOutOfRange, seconds)
	}
	return time.Unix(seconds, 0).UTC(), nil
}

// ToPosix is the inverse of FromPosix. The zero time encodes as 0.
func ToPosix(t time.Time) (uint32, error) {
	if t.IsZero() {
		return 0, nil
	}
	seconds := t.Unix()
	if seconds < 0 || seconds > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s is outside the posix window", ErrOutOfRange, t.UTC().Format(time.RFC3339))
	}
	return uint32(seconds), nil
}
