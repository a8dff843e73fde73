// Package testimage builds synthetic PE images for tests. It encodes with
// encoding/binary directly so that it stays independent of the record
// layouts under test.
package testimage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const (
	FileAlignment     = 0x200
	SectionAlignment  = 0x1000
	DefaultCoffOffset = 0x80
	DefaultTimeStamp  = 0x5E000000

	optionalHeader32Size = 96 + 16*8
	optionalHeader64Size = 112 + 16*8
)

type Directory struct {
	VirtualAddress uint32
	Size           uint32
}

type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32 // len(Data) when zero
	Data            []byte
	Characteristics uint32
}

func (s *Section) virtualSize() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return uint32(len(s.Data))
}

type Image struct {
	Machine          uint16
	Is64             bool
	NoOptionalHeader bool
	TimeDateStamp    uint32
	Characteristics  uint16
	ImageBase        uint64
	CoffOffset       uint32
	EntryPoint       uint32
	Directories      [16]Directory
	Sections         []Section

	// Certificates is a raw attribute certificate table appended after the
	// section data; the security directory is filled in to match.
	Certificates []byte
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}

type writer struct {
	bytes.Buffer
}

func (w *writer) le(vals ...any) {
	for _, v := range vals {
		if err := binary.Write(&w.Buffer, binary.LittleEndian, v); err != nil {
			panic(err)
		}
	}
}

func (w *writer) padTo(n int) {
	if w.Len() < n {
		w.Write(make([]byte, n-w.Len()))
	}
}

// Layout reports where Bytes places things.
type Layout struct {
	CoffOffset        int
	OptionalHeader    int
	SectionTable      int
	SectionTableEnd   int
	SizeOfHeaders     int
	PointerToRawData  []int
	SizeOfRawData     []int
	CertificateOffset int
	SizeOfImage       int
}

func (img *Image) Layout() Layout {
	var l Layout
	l.CoffOffset = int(img.CoffOffset)
	if l.CoffOffset == 0 {
		l.CoffOffset = DefaultCoffOffset
	}
	l.OptionalHeader = l.CoffOffset + 24
	l.SectionTable = l.OptionalHeader + img.optionalHeaderSize()
	l.SectionTableEnd = l.SectionTable + 40*len(img.Sections)
	l.SizeOfHeaders = align(l.SectionTableEnd, FileAlignment)

	ptr := l.SizeOfHeaders
	l.SizeOfImage = align(l.SizeOfHeaders, SectionAlignment)
	for i := range img.Sections {
		s := &img.Sections[i]
		raw := align(len(s.Data), FileAlignment)
		if raw == 0 {
			l.PointerToRawData = append(l.PointerToRawData, 0)
		} else {
			l.PointerToRawData = append(l.PointerToRawData, ptr)
		}
		l.SizeOfRawData = append(l.SizeOfRawData, raw)
		ptr += raw
		l.SizeOfImage = max(l.SizeOfImage, align(int(s.VirtualAddress)+int(s.virtualSize()), SectionAlignment))
	}
	l.CertificateOffset = ptr
	return l
}

func (img *Image) optionalHeaderSize() int {
	switch {
	case img.NoOptionalHeader:
		return 0
	case img.Is64:
		return optionalHeader64Size
	default:
		return optionalHeader32Size
	}
}

// Bytes encodes the image.
func (img *Image) Bytes() []byte {
	l := img.Layout()
	dirs := img.Directories
	if len(img.Certificates) > 0 {
		dirs[4] = Directory{uint32(l.CertificateOffset), uint32(len(img.Certificates))}
	}

	var w writer
	dos := make([]byte, 64)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], uint32(l.CoffOffset))
	w.Write(dos)
	w.padTo(l.CoffOffset)

	w.le(uint32(0x00004550), img.Machine, uint16(len(img.Sections)), img.TimeDateStamp,
		uint32(0), uint32(0), uint16(img.optionalHeaderSize()), img.Characteristics)

	if !img.NoOptionalHeader {
		magic := uint16(0x10b)
		if img.Is64 {
			magic = 0x20b
		}
		w.le(magic, uint8(14), uint8(29),
			uint32(0x200), uint32(0x200), uint32(0),
			img.EntryPoint, uint32(0x1000))
		if img.Is64 {
			w.le(img.ImageBase)
		} else {
			w.le(uint32(0x2000), uint32(img.ImageBase))
		}
		w.le(uint32(SectionAlignment), uint32(FileAlignment),
			uint16(6), uint16(0), uint16(0), uint16(0), uint16(6), uint16(0),
			uint32(0), uint32(l.SizeOfImage), uint32(l.SizeOfHeaders), uint32(0),
			uint16(3), uint16(0x8160))
		if img.Is64 {
			w.le(uint64(0x100000), uint64(0x1000), uint64(0x100000), uint64(0x1000))
		} else {
			w.le(uint32(0x100000), uint32(0x1000), uint32(0x100000), uint32(0x1000))
		}
		w.le(uint32(0), uint32(16))
		for _, d := range dirs {
			w.le(d.VirtualAddress, d.Size)
		}
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		var name [8]byte
		copy(name[:], s.Name)
		w.le(name, s.virtualSize(), s.VirtualAddress,
			uint32(l.SizeOfRawData[i]), uint32(l.PointerToRawData[i]),
			uint32(0), uint32(0), uint16(0), uint16(0), s.Characteristics)
	}
	w.padTo(l.SizeOfHeaders)

	for i := range img.Sections {
		w.Write(img.Sections[i].Data)
		w.padTo(l.PointerToRawData[i] + l.SizeOfRawData[i])
	}
	w.Write(img.Certificates)
	return w.Bytes()
}

// Write stores the image in a temporary file and returns its path.
func (img *Image) Write(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.exe")
	if err := os.WriteFile(path, img.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Amd64 is a small PE32+ executable with a code and a data section.
func Amd64() *Image {
	return &Image{
		Machine:         0x8664,
		Is64:            true,
		TimeDateStamp:   DefaultTimeStamp,
		Characteristics: 0x0022,
		ImageBase:       0x140000000,
		EntryPoint:      0x1000,
		Sections: []Section{
			{Name: ".text", VirtualAddress: 0x1000, Data: bytes.Repeat([]byte{0xcc}, 0x100), Characteristics: 0x60000020},
			{Name: ".data", VirtualAddress: 0x2000, Data: bytes.Repeat([]byte{0x11}, 0x80), Characteristics: 0xc0000040},
		},
	}
}

// Stream is a metadata stream header.
type Stream struct {
	Offset uint32
	Size   uint32
	Name   string
}

var DefaultStreams = []Stream{
	{0x6c, 0x1c0, "#~"},
	{0x22c, 0x1f4, "#Strings"},
	{0x420, 0x04, "#US"},
	{0x424, 0x10, "#GUID"},
	{0x434, 0xc8, "#Blob"},
}

const (
	RuntimeVersion = "v4.0.30319"
	CorOffset      = 0x00
	MetadataOffset = 0x48
	TextRVA        = 0x2000
)

// Assembly is a PE32 managed image: the CLR header and metadata root sit at
// the start of .text.
func Assembly() *Image {
	md := MetadataRoot(RuntimeVersion, DefaultStreams...)
	text := CorHeader(TextRVA+MetadataOffset, uint32(len(md)), 0x1)
	text = append(text, md...)

	img := &Image{
		Machine:         0x14c,
		TimeDateStamp:   DefaultTimeStamp,
		Characteristics: 0x0102,
		ImageBase:       0x400000,
		EntryPoint:      0x2100,
		Sections: []Section{
			{Name: ".text", VirtualAddress: TextRVA, Data: text, Characteristics: 0x60000020},
			{Name: ".rsrc", VirtualAddress: 0x4000, Data: make([]byte, 0x40), Characteristics: 0x40000040},
		},
	}
	img.Directories[14] = Directory{TextRVA + CorOffset, 72}
	return img
}

// CorHeader encodes an IMAGE_COR20_HEADER, runtime version 2.5.
func CorHeader(metadataRVA, metadataSize, flags uint32) []byte {
	var w writer
	w.le(uint32(72), uint16(2), uint16(5), metadataRVA, metadataSize, flags, uint32(0x06000001))
	w.Write(make([]byte, 6*8))
	return w.Bytes()
}

// MetadataRoot encodes a metadata root, version 1.1.
func MetadataRoot(version string, streams ...Stream) []byte {
	var w writer
	n := align(len(version)+1, 4)
	w.le(uint32(0x424A5342), uint16(1), uint16(1), uint32(0), uint32(n))
	w.WriteString(version)
	w.padTo(16 + n)
	w.le(uint16(0), uint16(len(streams)))
	for _, s := range streams {
		w.le(s.Offset, s.Size)
		w.WriteString(s.Name)
		w.WriteByte(0)
		w.padTo(align(w.Len(), 4))
	}
	return w.Bytes()
}

// Library is one entry of an import table. Functions named "#<n>" are
// imported by ordinal.
type Library struct {
	Name      string
	Functions []string
}

// ImportSection encodes an import directory placed at rva: descriptors, then
// lookup and address tables, then names.
func ImportSection(rva uint32, is64 bool, libs ...Library) []byte {
	ptr := 4
	if is64 {
		ptr = 8
	}
	off := (len(libs) + 1) * 20
	ilt := make([]int, len(libs))
	iat := make([]int, len(libs))
	for i, l := range libs {
		n := (len(l.Functions) + 1) * ptr
		ilt[i] = off
		off += n
		iat[i] = off
		off += n
	}
	names := make([]int, len(libs))
	for i, l := range libs {
		names[i] = off
		off = align(off+len(l.Name)+1, 2)
	}
	hints := make([][]int, len(libs))
	for i, l := range libs {
		for _, fn := range l.Functions {
			if strings.HasPrefix(fn, "#") {
				hints[i] = append(hints[i], -1)
				continue
			}
			hints[i] = append(hints[i], off)
			off = align(off+2+len(fn)+1, 2)
		}
	}

	buf := make([]byte, off)
	le := binary.LittleEndian
	for i := range libs {
		d := buf[i*20:]
		le.PutUint32(d[0:], rva+uint32(ilt[i]))
		le.PutUint32(d[12:], rva+uint32(names[i]))
		le.PutUint32(d[16:], rva+uint32(iat[i]))
	}
	for i, l := range libs {
		copy(buf[names[i]:], l.Name)
		for j, fn := range l.Functions {
			var v uint64
			if hints[i][j] < 0 {
				ord, err := strconv.Atoi(fn[1:])
				if err != nil {
					panic(err)
				}
				v = uint64(ord) | 1<<31
				if is64 {
					v = uint64(ord) | 1<<63
				}
			} else {
				h := hints[i][j]
				le.PutUint16(buf[h:], uint16(j))
				copy(buf[h+2:], fn)
				v = uint64(rva) + uint64(h)
			}
			for _, table := range []int{ilt[i], iat[i]} {
				at := buf[table+j*ptr:]
				if is64 {
					le.PutUint64(at, v)
				} else {
					le.PutUint32(at, uint32(v))
				}
			}
		}
	}
	return buf
}

// RelocationBlock encodes one base relocation block, padded to four bytes.
func RelocationBlock(page uint32, entries ...uint16) []byte {
	if len(entries)%2 != 0 {
		entries = append(entries, 0)
	}
	var w writer
	w.le(page, uint32(8+2*len(entries)))
	w.le(entries)
	return w.Bytes()
}

// CertificateTable encodes PKCS#7 attribute certificates, revision 2.0.
func CertificateTable(blobs ...[]byte) []byte {
	var w writer
	for _, b := range blobs {
		w.le(uint32(8+len(b)), uint16(0x0200), uint16(0x0002))
		w.Write(b)
		w.padTo(align(w.Len(), 8))
	}
	return w.Bytes()
}
