package pecoff_test

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pecoff"
	"pecoff/internal/testimage"
)

func newFile(t *testing.T, b []byte, opts ...pecoff.Option) *pecoff.File {
	t.Helper()
	f, err := pecoff.NewFile(bytes.NewReader(b), int64(len(b)), opts...)
	require.NoError(t, err)
	return f
}

func parseErr(b []byte, opts ...pecoff.Option) error {
	_, err := pecoff.NewFile(bytes.NewReader(b), int64(len(b)), opts...)
	return err
}

// minimal builds a DOS stub pointing at offset 128, a COFF header for an
// Amd64 object with two sections and no optional header, and the section
// table.
func minimal() []byte {
	b := make([]byte, 128)
	copy(b, "MZ")
	binary.LittleEndian.PutUint32(b[0x3c:], 128)

	coff := make([]byte, 24)
	copy(coff, "PE\x00\x00")
	binary.LittleEndian.PutUint16(coff[4:], 0x8664)
	binary.LittleEndian.PutUint16(coff[6:], 2)
	binary.LittleEndian.PutUint32(coff[8:], 0x5E000000)
	b = append(b, coff...)

	for _, name := range []string{".text", ".data"} {
		s := make([]byte, 40)
		copy(s, name)
		b = append(b, s...)
	}
	return b
}

func Test_CoffHeader(t *testing.T) {
	f := newFile(t, minimal())

	require.Equal(t, pecoff.MachineAmd64, f.CoffHeader.Machine)
	require.Equal(t, "Amd64", f.CoffHeader.Machine.String())
	require.Equal(t, uint16(2), f.CoffHeader.NumberOfSections)
	require.Equal(t, time.Date(2019, 12, 22, 23, 45, 4, 0, time.UTC), f.CoffHeader.TimeDateStamp)
	require.Equal(t, uint32(128), f.DosHeader.NewHeaderOffset)

	require.Nil(t, f.OptionalHeader)
	require.False(t, f.Is64())
	require.Len(t, f.Sections, 2)
	require.Equal(t, ".text", f.Sections[0].Name)
	require.Equal(t, ".data", f.Sections[1].Name)

	_, ok := f.Directory(pecoff.DirectoryImport)
	require.False(t, ok)
}

func Test_NewFileAmd64(t *testing.T) {
	img := testimage.Amd64()
	f := newFile(t, img.Bytes())

	require.Equal(t, pecoff.Characteristics(0x22), f.CoffHeader.Characteristics)
	require.Equal(t, uint16(240), f.CoffHeader.SizeOfOptionalHeader)

	opt := f.OptionalHeader
	require.NotNil(t, opt)
	require.True(t, f.Is64())
	require.Equal(t, uint16(pecoff.Pe32PlusMagic), opt.Magic)
	require.Equal(t, "14.29", opt.LinkerVersion.String())
	require.Equal(t, uint64(0x140000000), opt.ImageBase)
	require.Equal(t, uint32(0x1000), opt.AddressOfEntryPoint)
	require.Equal(t, uint32(testimage.SectionAlignment), opt.SectionAlignment)
	require.Equal(t, uint32(testimage.FileAlignment), opt.FileAlignment)
	require.Equal(t, "6.0", opt.OperatingSystemVersion.String())
	require.Equal(t, uint32(0x3000), opt.SizeOfImage)
	require.Equal(t, uint32(0x200), opt.SizeOfHeaders)
	require.Equal(t, pecoff.SubsystemWindowsCUI, opt.Subsystem)
	require.Equal(t, uint64(0x100000), opt.SizeOfStackReserve)
	require.Equal(t, uint64(0x1000), opt.SizeOfHeapCommit)
	require.Len(t, opt.DataDirectories, pecoff.NumberOfDirectoryEntries)

	require.Len(t, f.Sections, 2)
	text := f.Sections[0]
	require.Equal(t, ".text", text.Name)
	require.Equal(t, uint32(0x1000), text.VirtualAddress)
	require.Equal(t, uint32(0x100), text.VirtualSize)
	require.Equal(t, uint32(0x200), text.SizeOfRawData)
	require.Equal(t, uint32(0x200), text.PointerToRawData)
	require.Equal(t, pecoff.SectionCode|pecoff.SectionExecute|pecoff.SectionRead, text.Characteristics)
	require.Equal(t, uint32(0x400), f.Sections[1].PointerToRawData)
}

func Test_NewFilePE32(t *testing.T) {
	f := newFile(t, testimage.Assembly().Bytes())

	require.Equal(t, pecoff.MachineI386, f.CoffHeader.Machine)
	require.False(t, f.Is64())
	opt := f.OptionalHeader
	require.Equal(t, uint16(pecoff.Pe32Magic), opt.Magic)
	require.Equal(t, uint32(0x2000), opt.BaseOfData)
	require.Equal(t, uint64(0x400000), opt.ImageBase)
	require.Equal(t, uint64(0x100000), opt.SizeOfStackReserve)

	d, ok := f.Directory(pecoff.DirectoryComDescriptor)
	require.True(t, ok)
	require.Equal(t, pecoff.DataDirectory{VirtualAddress: testimage.TextRVA, Size: pecoff.CorHeaderSize}, d)
}

func Test_FindSectionByRva(t *testing.T) {
	f := newFile(t, testimage.Amd64().Bytes())

	tests := []struct {
		rva  uint32
		want string
	}{
		{0x0fff, ""},
		{0x1000, ".text"},
		{0x10ff, ".text"},
		{0x1100, ""}, // VirtualAddress + VirtualSize is outside
		{0x2000, ".data"},
		{0x207f, ".data"},
		{0x2080, ""},
	}
	for _, tt := range tests {
		s, ok := f.FindSectionByRva(tt.rva)
		if tt.want == "" {
			assert.False(t, ok, "rva %#x", tt.rva)
			assert.Nil(t, s, "rva %#x", tt.rva)
			continue
		}
		if assert.True(t, ok, "rva %#x", tt.rva) {
			assert.Equal(t, tt.want, s.Name, "rva %#x", tt.rva)
		}
	}
}

func Test_RvaToOffset(t *testing.T) {
	f := newFile(t, testimage.Amd64().Bytes())

	off, err := f.RvaToOffset(0x2010)
	require.NoError(t, err)
	require.Equal(t, int64(0x410), off)

	_, err = f.RvaToOffset(0x5000)
	require.ErrorIs(t, err, pecoff.ErrInvalidPEFile)
	require.Equal(t, pecoff.InvalidRva, pecoff.KindOf(err))
}

func Test_OpenRva(t *testing.T) {
	f := newFile(t, testimage.Amd64().Bytes())

	rd, err := f.OpenRva(0x1010, 4)
	require.NoError(t, err)
	require.Equal(t, int64(0x210), rd.Position())
	b, err := rd.ReadBytes(4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xcc, 0xcc, 0xcc, 0xcc}, b)
	_, err = rd.ReadByte()
	require.ErrorIs(t, err, pecoff.ErrEndOfStream)

	// without a size the reader ends with the section's raw data
	rd, err = f.OpenRva(0x10ff, 0)
	require.NoError(t, err)
	b, err = rd.ReadBytes(0x101)
	require.NoError(t, err)
	require.Equal(t, byte(0xcc), b[0])
	require.Equal(t, byte(0), b[0x100])
	_, err = rd.ReadByte()
	require.ErrorIs(t, err, pecoff.ErrEndOfStream)

	_, err = f.OpenDirectory(pecoff.DataDirectory{VirtualAddress: 0x9000, Size: 8})
	require.Equal(t, pecoff.InvalidRva, pecoff.KindOf(err))
}

func Test_OpenSection(t *testing.T) {
	f := newFile(t, testimage.Amd64().Bytes())

	rd := f.OpenSection(&f.Sections[1])
	require.Equal(t, int64(0x400), rd.Position())
	b, err := rd.ReadBytes(0x80)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0x11}, 0x80), b)
}

func Test_SignatureMismatch(t *testing.T) {
	good := testimage.Amd64().Bytes()
	coff := testimage.DefaultCoffOffset

	tests := []struct {
		name string
		off  int
		kind pecoff.InvalidKind
	}{
		{"dos magic", 0, pecoff.InvalidDosHeader},
		{"dos magic", 1, pecoff.InvalidDosHeader},
		{"nt signature", coff, pecoff.InvalidCoffHeader},
		{"nt signature", coff + 1, pecoff.InvalidCoffHeader},
		{"nt signature", coff + 2, pecoff.InvalidCoffHeader},
		{"nt signature", coff + 3, pecoff.InvalidCoffHeader},
		{"optional magic", coff + 24, pecoff.InvalidPEHeader},
		{"optional magic", coff + 25, pecoff.InvalidPEHeader},
	}
	for _, tt := range tests {
		b := bytes.Clone(good)
		b[tt.off] ^= 0xff
		err := parseErr(b)
		require.ErrorIs(t, err, pecoff.ErrSignatureMismatch, "%s at %#x", tt.name, tt.off)
		require.ErrorIs(t, err, pecoff.ErrInvalidPEFile)
		require.Equal(t, tt.kind, pecoff.KindOf(err), "%s at %#x", tt.name, tt.off)
	}
}

func Test_Truncated(t *testing.T) {
	for _, img := range []*testimage.Image{testimage.Amd64(), testimage.Assembly()} {
		b := img.Bytes()
		end := img.Layout().SectionTableEnd
		for n := 0; n < end; n++ {
			err := parseErr(b[:n])
			require.ErrorIs(t, err, pecoff.ErrEndOfStream, "truncated at %d", n)
			require.ErrorIs(t, err, pecoff.ErrInvalidPEFile, "truncated at %d", n)
		}
		f := newFile(t, b[:end])
		require.Len(t, f.Sections, len(img.Sections))
	}
}

func Test_TruncatedMinimal(t *testing.T) {
	b := minimal()
	for n := 0; n < len(b); n++ {
		require.ErrorIs(t, parseErr(b[:n]), pecoff.ErrEndOfStream, "truncated at %d", n)
	}
}

func Test_FewerDirectories(t *testing.T) {
	b := testimage.Amd64().Bytes()
	// NumberOfRvaAndSizes sits just before the directories
	at := testimage.DefaultCoffOffset + 24 + 108
	binary.LittleEndian.PutUint32(b[at:], 2)

	f := newFile(t, b)
	require.Len(t, f.OptionalHeader.DataDirectories, 2)
	require.Len(t, f.Sections, 2)
	_, ok := f.Directory(pecoff.DirectoryComDescriptor)
	require.False(t, ok)
}

func Test_WithMaxSections(t *testing.T) {
	b := testimage.Amd64().Bytes()

	err := parseErr(b, pecoff.WithMaxSections(1))
	require.ErrorIs(t, err, pecoff.ErrOutOfRange)
	require.Equal(t, pecoff.InvalidCoffHeader, pecoff.KindOf(err))

	f := newFile(t, b, pecoff.WithMaxSections(2))
	require.Len(t, f.Sections, 2)
}

func Test_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	newFile(t, testimage.Amd64().Bytes(), pecoff.WithLogger(logger))
	require.Contains(t, buf.String(), "read COFF header")
	require.Contains(t, buf.String(), "sections=2")
	require.Contains(t, buf.String(), "read section table")
}

func Test_Open(t *testing.T) {
	path := testimage.Amd64().Write(t)

	f, err := pecoff.Open(path)
	require.NoError(t, err)
	require.Equal(t, pecoff.MachineAmd64, f.CoffHeader.Machine)
	require.Len(t, f.Sections, 2)

	off, err := f.RvaToOffset(0x1000)
	require.NoError(t, err)
	b := make([]byte, 2)
	_, err = f.ReaderAt().ReadAt(b, off)
	require.NoError(t, err)
	require.Equal(t, []byte{0xcc, 0xcc}, b)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func Test_OpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.exe")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := pecoff.Open(path)
	require.ErrorIs(t, err, pecoff.ErrEndOfStream)
	require.Equal(t, pecoff.InvalidDosHeader, pecoff.KindOf(err))
}

func Test_OpenMissing(t *testing.T) {
	_, err := pecoff.Open(filepath.Join(t.TempDir(), "missing.exe"))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Equal(t, pecoff.InvalidKind(0), pecoff.KindOf(err))
}

func Test_InvalidPEFileError(t *testing.T) {
	err := parseErr([]byte("ZM"))
	require.EqualError(t, err, "invalid PE file: invalid DOS header: DosHeader.Magic at 0x0: Magic: signature mismatch: want 0x5a4d, got 0x4d5a")
}
