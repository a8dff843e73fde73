package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reader reads little-endian primitives from a seekable stream. Positions are
// reported relative to a logical origin, which lets a sub-stream opened at
// some file offset keep reporting file offsets.
type Reader struct {
	rs     io.ReadSeeker
	origin int64
	pos    int64
	buf    [8]byte
}

// NewReader wraps rs. origin is the logical position of offset 0 of rs.
func NewReader(rs io.ReadSeeker, origin int64) *Reader {
	pos, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		pos = 0
	}
	return &Reader{rs: rs, origin: origin, pos: pos}
}

// Origin returns the logical position of the start of the underlying stream.
func (r *Reader) Origin() int64 { return r.origin }

// Position returns origin plus the position inside the underlying stream.
func (r *Reader) Position() int64 { return r.origin + r.pos }

// SkipTo moves to offset bytes from the start of the underlying stream.
func (r *Reader) SkipTo(offset int64) error {
	pos, err := r.rs.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}
	r.pos = pos
	return nil
}

// Skip consumes n bytes.
func (r *Reader) Skip(n int) error {
	if n <= 0 {
		return nil
	}
	m, err := io.CopyN(io.Discard, r.rs, int64(n))
	r.pos += m
	return endOfStream(err)
}

// Align consumes bytes until Position is a multiple of n. Values below 2 are
// a no-op.
func (r *Reader) Align(n int) error {
	if n < 2 {
		return nil
	}
	return r.Skip(padding(r.Position(), n))
}

func (r *Reader) read(b []byte) error {
	m, err := io.ReadFull(r.rs, b)
	r.pos += int64(m)
	return endOfStream(err)
}

// readChunk bounds the up-front allocation of ReadBytes.
const readChunk = 64 << 10

// ReadBytes reads exactly n bytes. Large reads grow with the data actually
// present, so a bogus length fails with ErrEndOfStream before it allocates.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfRange, n)
	}
	if n <= readChunk {
		b := make([]byte, n)
		if err := r.read(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var buf bytes.Buffer
	m, err := io.CopyN(&buf, r.rs, int64(n))
	r.pos += m
	if err != nil {
		return nil, endOfStream(err)
	}
	return buf.Bytes(), nil
}

func (r *Reader) readUint(width int) (uint64, error) {
	b := r.buf[:width]
	if err := r.read(b); err != nil {
		return 0, err
	}
	return DecodeInteger(b)
}

// ReadByte reads one byte.
func (r *Reader) ReadByte() (byte, error) {
	b := r.buf[:1]
	if err := r.read(b); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b := r.buf[:2]
	if err := r.read(b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b := r.buf[:4]
	if err := r.read(b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b := r.buf[:8]
	if err := r.read(b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadInt8 reads a two's complement byte.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadByte()
	return int8(v), err
}

// ReadInt16 reads a little-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadInt32 reads a little-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads a little-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadFixedAsciiZ reads exactly n bytes and returns the text before the
// first NUL, or all n bytes when there is none.
func (r *Reader) ReadFixedAsciiZ(n int) (string, error) {
	b, err := r.ReadBytes(n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// ReadAsciiZ reads through the next NUL and returns the text before it.
func (r *Reader) ReadAsciiZ() (string, error) {
	var sb strings.Builder
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(c)
	}
}

// PeekByte returns the next byte without consuming it.
func (r *Reader) PeekByte() (byte, error) {
	c, err := r.ReadByte()
	if errors.Is(err, ErrEndOfStream) {
		return 0, fmt.Errorf("%w: peek at end of stream", ErrInvalidOperation)
	} else if err != nil {
		return 0, err
	}
	pos, err := r.rs.Seek(-1, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	r.pos = pos
	return c, nil
}

func endOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return err
}

func padding(pos int64, n int) int {
	return int((int64(n) - pos%int64(n)) % int64(n))
}
