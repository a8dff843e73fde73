package pecoff

import (
	"errors"
	"fmt"

	"pecoff/record"
)

const (
	CorHeaderSize         = 72
	MetadataSignature     = 0x424A5342 // BSJB
	maxMetadataVersionLen = 255
)

type CorFlags uint32

const (
	CorILOnly           CorFlags = 0x00000001
	Cor32BitRequired    CorFlags = 0x00000002
	CorILLibrary        CorFlags = 0x00000004
	CorStrongNameSigned CorFlags = 0x00000008
	CorNativeEntryPoint CorFlags = 0x00000010
	CorTrackDebugData   CorFlags = 0x00010000
	Cor32BitPreferred   CorFlags = 0x00020000
)

// CorHeader is the CLR runtime header (IMAGE_COR20_HEADER).
type CorHeader struct {
	Cb                      uint32         `json:"cb" yaml:"cb"`
	RuntimeVersion          record.Version `json:"runtimeVersion" yaml:"runtimeVersion"`
	MetaData                DataDirectory  `json:"metaData" yaml:"metaData"`
	Flags                   CorFlags       `json:"flags" yaml:"flags"`
	EntryPointToken         uint32         `json:"entryPointToken" yaml:"entryPointToken"`
	Resources               DataDirectory  `json:"resources" yaml:"resources"`
	StrongNameSignature     DataDirectory  `json:"strongNameSignature" yaml:"strongNameSignature"`
	CodeManagerTable        DataDirectory  `json:"codeManagerTable" yaml:"codeManagerTable"`
	VTableFixups            DataDirectory  `json:"vTableFixups" yaml:"vTableFixups"`
	ExportAddressTableJumps DataDirectory  `json:"exportAddressTableJumps" yaml:"exportAddressTableJumps"`
	ManagedNativeHeader     DataDirectory  `json:"managedNativeHeader" yaml:"managedNativeHeader"`
}

var CorHeaderLayout = record.NewLayout("CorHeader", 0,
	record.Integer("Cb", func(h *CorHeader) *uint32 { return &h.Cb }, record.Magic(CorHeaderSize)),
	record.VersionNumber("RuntimeVersion", func(h *CorHeader) *record.Version { return &h.RuntimeVersion }, 2, 2),
	record.Nested("MetaData", func(h *CorHeader) *DataDirectory { return &h.MetaData }, DataDirectoryLayout),
	record.Integer("Flags", func(h *CorHeader) *CorFlags { return &h.Flags }),
	record.Integer("EntryPointToken", func(h *CorHeader) *uint32 { return &h.EntryPointToken }),
	record.Nested("Resources", func(h *CorHeader) *DataDirectory { return &h.Resources }, DataDirectoryLayout),
	record.Nested("StrongNameSignature", func(h *CorHeader) *DataDirectory { return &h.StrongNameSignature }, DataDirectoryLayout),
	record.Nested("CodeManagerTable", func(h *CorHeader) *DataDirectory { return &h.CodeManagerTable }, DataDirectoryLayout),
	record.Nested("VTableFixups", func(h *CorHeader) *DataDirectory { return &h.VTableFixups }, DataDirectoryLayout),
	record.Nested("ExportAddressTableJumps", func(h *CorHeader) *DataDirectory { return &h.ExportAddressTableJumps }, DataDirectoryLayout),
	record.Nested("ManagedNativeHeader", func(h *CorHeader) *DataDirectory { return &h.ManagedNativeHeader }, DataDirectoryLayout),
)

// MetadataRoot is the physical metadata header pointed to by CorHeader.MetaData.
type MetadataRoot struct {
	Signature       uint32         `json:"signature" yaml:"signature"`
	Version         record.Version `json:"version" yaml:"version"`
	Reserved        uint32         `json:"reserved" yaml:"reserved"`
	Length          uint32         `json:"length" yaml:"length"`
	VersionString   string         `json:"versionString" yaml:"versionString"`
	Flags           uint16         `json:"flags" yaml:"flags"`
	NumberOfStreams uint16         `json:"numberOfStreams" yaml:"numberOfStreams"`
	Streams         []StreamHeader `json:"streams" yaml:"streams"`
}

var metadataRootLayout = record.NewLayout("MetadataRoot", 0,
	record.Integer("Signature", func(m *MetadataRoot) *uint32 { return &m.Signature }, record.Magic(MetadataSignature)),
	record.VersionNumber("Version", func(m *MetadataRoot) *record.Version { return &m.Version }, 2, 2),
	record.Integer("Reserved", func(m *MetadataRoot) *uint32 { return &m.Reserved }),
	record.Integer("Length", func(m *MetadataRoot) *uint32 { return &m.Length }),
)

var metadataTailLayout = record.NewLayout("MetadataRoot", 0,
	record.Integer("Flags", func(m *MetadataRoot) *uint16 { return &m.Flags }),
	record.Integer("NumberOfStreams", func(m *MetadataRoot) *uint16 { return &m.NumberOfStreams }),
)

type StreamHeader struct {
	Offset uint32 `json:"offset" yaml:"offset"`
	Size   uint32 `json:"size" yaml:"size"`
	Name   string `json:"name" yaml:"name"`
}

// StreamHeaderLayout pads every field to four bytes from the metadata root.
var StreamHeaderLayout = record.NewLayout("StreamHeader", 4,
	record.Integer("Offset", func(s *StreamHeader) *uint32 { return &s.Offset }),
	record.Integer("Size", func(s *StreamHeader) *uint32 { return &s.Size }),
	record.AsciiZ("Name", func(s *StreamHeader) *string { return &s.Name }, 0),
)

// CorHeader reads the CLR runtime header. ErrNoDirectory means the image is
// not managed.
func (f *File) CorHeader() (*CorHeader, error) {
	d, ok := f.Directory(DirectoryComDescriptor)
	if !ok {
		return nil, fmt.Errorf("CLR runtime header: %w", ErrNoDirectory)
	}
	rd, err := f.OpenDirectory(d)
	if err != nil {
		return nil, err
	}
	h, err := CorHeaderLayout.Read(rd)
	if err != nil {
		return nil, invalid(InvalidCorHeader, err)
	}
	return h, nil
}

// Metadata reads the metadata root and its stream headers.
func (f *File) Metadata() (*MetadataRoot, error) {
	h, err := f.CorHeader()
	if err != nil {
		return nil, err
	}
	if h.MetaData.IsZero() {
		return nil, invalid(InvalidCorHeader, fmt.Errorf("metadata: %w", ErrNoDirectory))
	}
	off, err := f.RvaToOffset(h.MetaData.VirtualAddress)
	if err != nil {
		return nil, err
	}
	// stream header padding is relative to the metadata root, so the root is
	// read with origin 0
	rd := f.openRange(off, off+int64(h.MetaData.Size), 0)

	m, err := metadataRootLayout.Read(rd)
	if err != nil {
		return nil, invalid(InvalidCorHeader, err)
	}
	if m.Length > maxMetadataVersionLen+1 {
		return nil, invalid(InvalidCorHeader, fmt.Errorf("metadata version length %d: %w", m.Length, ErrOutOfRange))
	}
	if m.VersionString, err = rd.ReadFixedAsciiZ(int(m.Length)); err != nil {
		return nil, invalid(InvalidCorHeader, fmt.Errorf("metadata version: %w", err))
	}
	tail, err := metadataTailLayout.Read(rd)
	if err != nil {
		return nil, invalid(InvalidCorHeader, err)
	}
	m.Flags, m.NumberOfStreams = tail.Flags, tail.NumberOfStreams

	m.Streams = make([]StreamHeader, 0, m.NumberOfStreams)
	for i := 0; i < int(m.NumberOfStreams); i++ {
		s, err := StreamHeaderLayout.Read(rd)
		if err != nil {
			return nil, invalid(InvalidCorHeader, fmt.Errorf("stream %d: %w", i, err))
		}
		m.Streams = append(m.Streams, *s)
	}
	return m, nil
}

// IsAssembly reports whether the image carries a readable CLR runtime header.
func (f *File) IsAssembly() bool {
	_, err := f.CorHeader()
	if err != nil && !errors.Is(err, ErrNoDirectory) {
		f.logger.Debug("CLR header rejected", "error", err)
	}
	return err == nil
}
