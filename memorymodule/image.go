// Package memorymodule lays a parsed PE file out the way the Windows loader
// maps it: headers at the base, each section at its virtual address. Nothing
// is executed and no imports are resolved.
package memorymodule

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pecoff"
	"pecoff/record"
)

var (
	// ErrNoOptionalHeader is returned for object files, which have no image
	// layout.
	ErrNoOptionalHeader = errors.New("memorymodule: image has no optional header")

	// ErrUnsupportedRelocation is returned by Rebase for relocation types other
	// than ABSOLUTE, HIGHLOW and DIR64.
	ErrUnsupportedRelocation = errors.New("memorymodule: unsupported relocation type")
)

const maxImageSize = 1 << 30

// Image is an in-memory copy of a PE file at its virtual layout.
type Image struct {
	file *pecoff.File
	base uint64
	mem  []byte
}

// Load copies the headers and the raw data of every section of f into a
// buffer of SizeOfImage bytes. Sections without raw data stay zero filled.
func Load(f *pecoff.File) (*Image, error) {
	opt := f.OptionalHeader
	if opt == nil {
		return nil, ErrNoOptionalHeader
	}
	if opt.SizeOfImage == 0 || opt.SizeOfImage > maxImageSize {
		return nil, fmt.Errorf("memorymodule: size of image %#x: %w", opt.SizeOfImage, pecoff.ErrOutOfRange)
	}
	m := &Image{file: f, base: opt.ImageBase, mem: make([]byte, opt.SizeOfImage)}

	// copy headers
	n := min(int64(opt.SizeOfHeaders), int64(len(m.mem)), f.Size())
	if err := readAt(f.ReaderAt(), m.mem[:n], 0); err != nil {
		return nil, fmt.Errorf("memorymodule: headers: %w", err)
	}

	// copy sections
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.SizeOfRawData == 0 || s.PointerToRawData == 0 {
			continue
		}
		size := s.SizeOfRawData
		if s.VirtualSize != 0 {
			size = min(size, s.VirtualSize)
		}
		end := uint64(s.VirtualAddress) + uint64(size)
		if end > uint64(len(m.mem)) {
			return nil, fmt.Errorf("memorymodule: section %q ends at %#x past size of image: %w",
				s.Name, end, pecoff.ErrOutOfRange)
		}
		if err := readAt(f.ReaderAt(), m.mem[s.VirtualAddress:end], int64(s.PointerToRawData)); err != nil {
			return nil, fmt.Errorf("memorymodule: section %q: %w", s.Name, err)
		}
	}

	m.alignHeaders()
	return m, nil
}

func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return pecoff.ErrEndOfStream
	}
	return err
}

// alignHeaders rewrites the mapped headers so that they describe the memory
// layout: file alignment equals section alignment and every section's raw
// data starts at its virtual address.
func (m *Image) alignHeaders() {
	f := m.file
	opt := int(f.DosHeader.NewHeaderOffset) + pecoff.CoffHeaderSize
	m.put32(opt+36, f.OptionalHeader.SectionAlignment)

	table := opt + int(f.CoffHeader.SizeOfOptionalHeader)
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.SizeOfRawData == 0 {
			continue
		}
		m.put32(table+i*pecoff.SectionHeaderSize+20, s.VirtualAddress)
	}
}

func (m *Image) put32(off int, v uint32) {
	if off >= 0 && off+4 <= len(m.mem) {
		binary.LittleEndian.PutUint32(m.mem[off:], v)
	}
}

func (m *Image) put64(off int, v uint64) {
	if off >= 0 && off+8 <= len(m.mem) {
		binary.LittleEndian.PutUint64(m.mem[off:], v)
	}
}

// Base returns the address the image is currently relocated for.
func (m *Image) Base() uint64 { return m.base }

// Bytes returns the mapped image. The slice aliases the image.
func (m *Image) Bytes() []byte { return m.mem }

// File returns the parsed headers the image was loaded from.
func (m *Image) File() *pecoff.File { return m.file }

// ReadRva returns n bytes starting at rva.
func (m *Image) ReadRva(rva uint32, n int) ([]byte, error) {
	end := uint64(rva) + uint64(n)
	if n < 0 || end > uint64(len(m.mem)) {
		return nil, fmt.Errorf("memorymodule: rva %#x+%d outside image: %w", rva, n, pecoff.ErrOutOfRange)
	}
	return m.mem[rva:end], nil
}

// Reader returns a record reader over size bytes at rva, positioned from 0.
func (m *Image) Reader(rva, size uint32) (*record.Reader, error) {
	b, err := m.ReadRva(rva, int(size))
	if err != nil {
		return nil, err
	}
	return record.NewReader(bytes.NewReader(b), 0), nil
}
