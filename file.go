// Package pecoff reads the headers of Portable Executable (PE/COFF) images.
package pecoff

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"

	"pecoff/record"
)

// File is a parsed PE image. Headers and the section table are read eagerly
// by Open and NewFile and are not modified afterwards.
type File struct {
	DosHeader      DosHeader
	CoffHeader     CoffHeader
	OptionalHeader *OptionalHeader // nil when SizeOfOptionalHeader is zero
	Sections       []SectionHeader

	r      io.ReaderAt
	size   int64
	data   mmap.MMap
	logger *slog.Logger
}

// Open maps the file at path read-only and parses it.
func Open(path string, opts ...Option) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	st, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, invalid(InvalidDosHeader, fmt.Errorf("%s: empty file: %w", path, ErrEndOfStream))
	}

	data, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}

	o := newOptions(opts)
	o.logger = o.logger.With("path", path)
	f, err := newFile(bytes.NewReader(data), int64(len(data)), o)
	if err != nil {
		data.Unmap()
		return nil, err
	}
	f.data = data
	return f, nil
}

// NewFile parses the image held by r, which is size bytes long.
func NewFile(r io.ReaderAt, size int64, opts ...Option) (*File, error) {
	return newFile(r, size, newOptions(opts))
}

func newFile(r io.ReaderAt, size int64, o *options) (*File, error) {
	f := &File{r: r, size: size, logger: o.logger}
	if err := f.parse(record.NewReader(io.NewSectionReader(r, 0, size), 0), o); err != nil {
		f.logger.Debug("parse failed", "error", err)
		return nil, err
	}
	return f, nil
}

func (f *File) parse(rd *record.Reader, o *options) error {
	dos, err := DosHeaderLayout.Read(rd)
	if err != nil {
		return invalid(InvalidDosHeader, err)
	}
	f.DosHeader = *dos

	coffOffset := int64(dos.NewHeaderOffset)
	if err := rd.SkipTo(coffOffset); err != nil {
		return invalid(InvalidDosHeader, err)
	}
	coff, err := CoffHeaderLayout.Read(rd)
	if err != nil {
		return invalid(InvalidCoffHeader, err)
	}
	f.CoffHeader = *coff
	f.logger.Debug("read COFF header",
		"offset", coffOffset,
		"machine", coff.Machine,
		"sections", coff.NumberOfSections)

	if o.maxSections > 0 && int(coff.NumberOfSections) > o.maxSections {
		return invalid(InvalidCoffHeader, fmt.Errorf("%d sections exceeds the limit of %d: %w",
			coff.NumberOfSections, o.maxSections, ErrOutOfRange))
	}

	if coff.SizeOfOptionalHeader > 0 {
		opt, err := readOptionalHeader(rd)
		if err != nil {
			return invalid(InvalidPEHeader, err)
		}
		f.OptionalHeader = opt
		f.logger.Debug("read optional header",
			"magic", opt.Magic,
			"directories", len(opt.DataDirectories))
	}

	tableOffset := coffOffset + CoffHeaderSize + int64(coff.SizeOfOptionalHeader)
	if err := rd.SkipTo(tableOffset); err != nil {
		return invalid(InvalidPEHeader, err)
	}
	f.Sections = make([]SectionHeader, 0, coff.NumberOfSections)
	for i := 0; i < int(coff.NumberOfSections); i++ {
		s, err := SectionHeaderLayout.Read(rd)
		if err != nil {
			return invalid(InvalidPEHeader, fmt.Errorf("section %d: %w", i, err))
		}
		f.Sections = append(f.Sections, *s)
	}
	f.logger.Debug("read section table", "offset", tableOffset, "sections", len(f.Sections))
	return nil
}

func readOptionalHeader(rd *record.Reader) (*OptionalHeader, error) {
	start := rd.Position() - rd.Origin()
	magic, err := rd.ReadUint16()
	if err != nil {
		return nil, err
	}
	if err := rd.SkipTo(start); err != nil {
		return nil, err
	}

	var layout *record.Layout[OptionalHeader]
	switch magic {
	case Pe32Magic:
		layout = OptionalHeader32Layout
	case Pe32PlusMagic:
		layout = OptionalHeader64Layout
	default:
		return nil, &record.SignatureError{Field: "OptionalHeader.Magic", Want: Pe32Magic, Got: uint64(magic)}
	}

	opt, err := layout.Read(rd)
	if err != nil {
		return nil, err
	}
	n := min(opt.NumberOfRvaAndSizes, NumberOfDirectoryEntries)
	opt.DataDirectories = make([]DataDirectory, 0, n)
	for i := uint32(0); i < n; i++ {
		d, err := DataDirectoryLayout.Read(rd)
		if err != nil {
			return nil, fmt.Errorf("data directory %d: %w", i, err)
		}
		opt.DataDirectories = append(opt.DataDirectories, *d)
	}
	return opt, nil
}

// Close releases the mapping created by Open. It is a no-op for files made by
// NewFile.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := f.data.Unmap()
	f.data = nil
	return err
}

// ReaderAt returns the bytes backing the image.
func (f *File) ReaderAt() io.ReaderAt { return f.r }

// Size returns the length of the image in bytes.
func (f *File) Size() int64 { return f.size }

// Is64 reports whether the image has a PE32+ optional header.
func (f *File) Is64() bool {
	return f.OptionalHeader != nil && f.OptionalHeader.Is64()
}

// Directory returns data directory i when it is present and non-zero.
func (f *File) Directory(i int) (DataDirectory, bool) {
	if f.OptionalHeader == nil || i < 0 || i >= len(f.OptionalHeader.DataDirectories) {
		return DataDirectory{}, false
	}
	d := f.OptionalHeader.DataDirectories[i]
	return d, !d.IsZero()
}

// FindSectionByRva returns the first section whose virtual range contains rva.
func (f *File) FindSectionByRva(rva uint32) (*SectionHeader, bool) {
	for i := range f.Sections {
		if f.Sections[i].Contains(rva) {
			return &f.Sections[i], true
		}
	}
	return nil, false
}

// RvaToOffset maps rva to a file offset through the section table.
func (f *File) RvaToOffset(rva uint32) (int64, error) {
	s, ok := f.FindSectionByRva(rva)
	if !ok {
		return 0, invalid(InvalidRva, fmt.Errorf("rva %#x is not inside any section", rva))
	}
	return int64(s.PointerToRawData) + int64(rva-s.VirtualAddress), nil
}

// OpenRva returns a reader at the file offset of rva. The reader ends at the
// end of the section's raw data, or after size bytes when size is non-zero.
func (f *File) OpenRva(rva, size uint32) (*record.Reader, error) {
	s, ok := f.FindSectionByRva(rva)
	if !ok {
		return nil, invalid(InvalidRva, fmt.Errorf("rva %#x is not inside any section", rva))
	}
	off := int64(s.PointerToRawData) + int64(rva-s.VirtualAddress)
	end := int64(s.PointerToRawData) + int64(s.SizeOfRawData)
	if size > 0 {
		end = min(end, off+int64(size))
	}
	return f.openRange(off, end, off), nil
}

// OpenDirectory returns a reader at the start of the data directory d.
func (f *File) OpenDirectory(d DataDirectory) (*record.Reader, error) {
	return f.OpenRva(d.VirtualAddress, d.Size)
}

// OpenSection returns a reader over the raw data of s.
func (f *File) OpenSection(s *SectionHeader) *record.Reader {
	off := int64(s.PointerToRawData)
	return f.openRange(off, off+int64(s.SizeOfRawData), off)
}

// openRange returns a reader over [off, end) clamped to the file, reporting
// positions from origin.
func (f *File) openRange(off, end, origin int64) *record.Reader {
	end = min(end, f.size)
	if off > end {
		off = end
	}
	return record.NewReader(io.NewSectionReader(f.r, off, end-off), origin)
}

// IsAssembly reports whether the file at path is a managed (.NET) image. Any
// failure to open or parse it yields false.
func IsAssembly(path string) bool {
	f, err := Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return f.IsAssembly()
}
