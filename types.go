package pecoff

import (
	"strconv"
	"strings"
	"time"

	"pecoff/record"
)

const (
	DosSignature      = 0x5A4D     // MZ
	NtSignature       = 0x00004550 // PE\0\0
	Pe32Magic         = 0x10B
	Pe32PlusMagic     = 0x20B
	CoffHeaderSize    = 24
	SectionHeaderSize = 40

	NumberOfDirectoryEntries = 16
	SizeOfShortName          = 8
)

// Data directory indexes.
const (
	DirectoryExport = iota
	DirectoryImport
	DirectoryResource
	DirectoryException
	DirectorySecurity
	DirectoryBaseReloc
	DirectoryDebug
	DirectoryArchitecture
	DirectoryGlobalPtr
	DirectoryTLS
	DirectoryLoadConfig
	DirectoryBoundImport
	DirectoryIAT
	DirectoryDelayImport
	DirectoryComDescriptor
)

type DosHeader struct {
	Magic                 uint16 `json:"magic" yaml:"magic"`
	BytesOnLastPage       uint16 `json:"bytesOnLastPage" yaml:"bytesOnLastPage"`
	Pages                 uint16 `json:"pages" yaml:"pages"`
	Relocations           uint16 `json:"relocations" yaml:"relocations"`
	HeaderParagraphs      uint16 `json:"headerParagraphs" yaml:"headerParagraphs"`
	MinAlloc              uint16 `json:"minAlloc" yaml:"minAlloc"`
	MaxAlloc              uint16 `json:"maxAlloc" yaml:"maxAlloc"`
	InitialSS             uint16 `json:"initialSS" yaml:"initialSS"`
	InitialSP             uint16 `json:"initialSP" yaml:"initialSP"`
	Checksum              uint16 `json:"checksum" yaml:"checksum"`
	InitialIP             uint16 `json:"initialIP" yaml:"initialIP"`
	InitialCS             uint16 `json:"initialCS" yaml:"initialCS"`
	RelocationTableOffset uint16 `json:"relocationTableOffset" yaml:"relocationTableOffset"`
	OverlayNumber         uint16 `json:"overlayNumber" yaml:"overlayNumber"`
	OEMIdentifier         uint16 `json:"oemIdentifier" yaml:"oemIdentifier"`
	OEMInformation        uint16 `json:"oemInformation" yaml:"oemInformation"`

	// NewHeaderOffset is e_lfanew, the file offset of the COFF header.
	NewHeaderOffset uint32 `json:"newHeaderOffset" yaml:"newHeaderOffset"`
}

var DosHeaderLayout = record.NewLayout("DosHeader", 0,
	record.Integer("Magic", func(h *DosHeader) *uint16 { return &h.Magic }, record.Magic(DosSignature)),
	record.Integer("BytesOnLastPage", func(h *DosHeader) *uint16 { return &h.BytesOnLastPage }),
	record.Integer("Pages", func(h *DosHeader) *uint16 { return &h.Pages }),
	record.Integer("Relocations", func(h *DosHeader) *uint16 { return &h.Relocations }),
	record.Integer("HeaderParagraphs", func(h *DosHeader) *uint16 { return &h.HeaderParagraphs }),
	record.Integer("MinAlloc", func(h *DosHeader) *uint16 { return &h.MinAlloc }),
	record.Integer("MaxAlloc", func(h *DosHeader) *uint16 { return &h.MaxAlloc }),
	record.Integer("InitialSS", func(h *DosHeader) *uint16 { return &h.InitialSS }),
	record.Integer("InitialSP", func(h *DosHeader) *uint16 { return &h.InitialSP }),
	record.Integer("Checksum", func(h *DosHeader) *uint16 { return &h.Checksum }),
	record.Integer("InitialIP", func(h *DosHeader) *uint16 { return &h.InitialIP }),
	record.Integer("InitialCS", func(h *DosHeader) *uint16 { return &h.InitialCS }),
	record.Integer("RelocationTableOffset", func(h *DosHeader) *uint16 { return &h.RelocationTableOffset }),
	record.Integer("OverlayNumber", func(h *DosHeader) *uint16 { return &h.OverlayNumber }),
	record.Reserved[DosHeader]("Reserved", 8),
	record.Integer("OEMIdentifier", func(h *DosHeader) *uint16 { return &h.OEMIdentifier }),
	record.Integer("OEMInformation", func(h *DosHeader) *uint16 { return &h.OEMInformation }),
	record.Reserved[DosHeader]("Reserved2", 20),
	record.Integer("NewHeaderOffset", func(h *DosHeader) *uint32 { return &h.NewHeaderOffset }),
)

// CoffHeader is the PE signature followed by IMAGE_FILE_HEADER.
type CoffHeader struct {
	Signature            uint32          `json:"signature" yaml:"signature"`
	Machine              Machine         `json:"machine" yaml:"machine"`
	NumberOfSections     uint16          `json:"numberOfSections" yaml:"numberOfSections"`
	TimeDateStamp        time.Time       `json:"timeDateStamp" yaml:"timeDateStamp"`
	PointerToSymbolTable uint32          `json:"pointerToSymbolTable" yaml:"pointerToSymbolTable"`
	NumberOfSymbols      uint32          `json:"numberOfSymbols" yaml:"numberOfSymbols"`
	SizeOfOptionalHeader uint16          `json:"sizeOfOptionalHeader" yaml:"sizeOfOptionalHeader"`
	Characteristics      Characteristics `json:"characteristics" yaml:"characteristics"`
}

var CoffHeaderLayout = record.NewLayout("CoffHeader", 0,
	record.Integer("Signature", func(h *CoffHeader) *uint32 { return &h.Signature }, record.Magic(NtSignature)),
	record.Integer("Machine", func(h *CoffHeader) *Machine { return &h.Machine }),
	record.Integer("NumberOfSections", func(h *CoffHeader) *uint16 { return &h.NumberOfSections }),
	record.PosixTime("TimeDateStamp", func(h *CoffHeader) *time.Time { return &h.TimeDateStamp }),
	record.Integer("PointerToSymbolTable", func(h *CoffHeader) *uint32 { return &h.PointerToSymbolTable }),
	record.Integer("NumberOfSymbols", func(h *CoffHeader) *uint32 { return &h.NumberOfSymbols }),
	record.Integer("SizeOfOptionalHeader", func(h *CoffHeader) *uint16 { return &h.SizeOfOptionalHeader }),
	record.Integer("Characteristics", func(h *CoffHeader) *Characteristics { return &h.Characteristics }),
)

type DataDirectory struct {
	VirtualAddress uint32 `json:"virtualAddress" yaml:"virtualAddress"`
	Size           uint32 `json:"size" yaml:"size"`
}

func (d DataDirectory) IsZero() bool { return d.VirtualAddress == 0 && d.Size == 0 }

var DataDirectoryLayout = record.NewLayout("DataDirectory", 0,
	record.Integer("VirtualAddress", func(d *DataDirectory) *uint32 { return &d.VirtualAddress }),
	record.Integer("Size", func(d *DataDirectory) *uint32 { return &d.Size }),
)

// OptionalHeader holds both PE32 and PE32+ headers. Address-sized fields are
// widened to 64 bits; BaseOfData is always zero for PE32+.
type OptionalHeader struct {
	Magic                   uint16         `json:"magic" yaml:"magic"`
	LinkerVersion           record.Version `json:"linkerVersion" yaml:"linkerVersion"`
	SizeOfCode              uint32         `json:"sizeOfCode" yaml:"sizeOfCode"`
	SizeOfInitializedData   uint32         `json:"sizeOfInitializedData" yaml:"sizeOfInitializedData"`
	SizeOfUninitializedData uint32         `json:"sizeOfUninitializedData" yaml:"sizeOfUninitializedData"`
	AddressOfEntryPoint     uint32         `json:"addressOfEntryPoint" yaml:"addressOfEntryPoint"`
	BaseOfCode              uint32         `json:"baseOfCode" yaml:"baseOfCode"`
	BaseOfData              uint32         `json:"baseOfData" yaml:"baseOfData"`
	ImageBase               uint64         `json:"imageBase" yaml:"imageBase"`
	SectionAlignment        uint32         `json:"sectionAlignment" yaml:"sectionAlignment"`
	FileAlignment           uint32         `json:"fileAlignment" yaml:"fileAlignment"`
	OperatingSystemVersion  record.Version `json:"operatingSystemVersion" yaml:"operatingSystemVersion"`
	ImageVersion            record.Version `json:"imageVersion" yaml:"imageVersion"`
	SubsystemVersion        record.Version `json:"subsystemVersion" yaml:"subsystemVersion"`
	Win32VersionValue       uint32         `json:"win32VersionValue" yaml:"win32VersionValue"`
	SizeOfImage             uint32         `json:"sizeOfImage" yaml:"sizeOfImage"`
	SizeOfHeaders           uint32         `json:"sizeOfHeaders" yaml:"sizeOfHeaders"`
	CheckSum                uint32         `json:"checkSum" yaml:"checkSum"`
	Subsystem               Subsystem      `json:"subsystem" yaml:"subsystem"`
	DllCharacteristics      uint16         `json:"dllCharacteristics" yaml:"dllCharacteristics"`
	SizeOfStackReserve      uint64         `json:"sizeOfStackReserve" yaml:"sizeOfStackReserve"`
	SizeOfStackCommit       uint64         `json:"sizeOfStackCommit" yaml:"sizeOfStackCommit"`
	SizeOfHeapReserve       uint64         `json:"sizeOfHeapReserve" yaml:"sizeOfHeapReserve"`
	SizeOfHeapCommit        uint64         `json:"sizeOfHeapCommit" yaml:"sizeOfHeapCommit"`
	LoaderFlags             uint32         `json:"loaderFlags" yaml:"loaderFlags"`
	NumberOfRvaAndSizes     uint32         `json:"numberOfRvaAndSizes" yaml:"numberOfRvaAndSizes"`

	// DataDirectories follow the fixed part and are read separately, at most
	// NumberOfDirectoryEntries of them.
	DataDirectories []DataDirectory `json:"dataDirectories" yaml:"dataDirectories"`
}

func (h *OptionalHeader) Is64() bool { return h.Magic == Pe32PlusMagic }

func optionalHeaderLayout(magic uint16, address int) *record.Layout[OptionalHeader] {
	name := "OptionalHeader32"
	if address == 8 {
		name = "OptionalHeader64"
	}
	fields := []record.Field[OptionalHeader]{
		record.Integer("Magic", func(h *OptionalHeader) *uint16 { return &h.Magic }, record.Magic(uint64(magic))),
		record.VersionNumber("LinkerVersion", func(h *OptionalHeader) *record.Version { return &h.LinkerVersion }, 2, 1),
		record.Integer("SizeOfCode", func(h *OptionalHeader) *uint32 { return &h.SizeOfCode }),
		record.Integer("SizeOfInitializedData", func(h *OptionalHeader) *uint32 { return &h.SizeOfInitializedData }),
		record.Integer("SizeOfUninitializedData", func(h *OptionalHeader) *uint32 { return &h.SizeOfUninitializedData }),
		record.Integer("AddressOfEntryPoint", func(h *OptionalHeader) *uint32 { return &h.AddressOfEntryPoint }),
		record.Integer("BaseOfCode", func(h *OptionalHeader) *uint32 { return &h.BaseOfCode }),
	}
	if address == 4 {
		fields = append(fields,
			record.Integer("BaseOfData", func(h *OptionalHeader) *uint32 { return &h.BaseOfData }))
	}
	fields = append(fields,
		record.Integer("ImageBase", func(h *OptionalHeader) *uint64 { return &h.ImageBase }, record.Width(address)),
		record.Integer("SectionAlignment", func(h *OptionalHeader) *uint32 { return &h.SectionAlignment }),
		record.Integer("FileAlignment", func(h *OptionalHeader) *uint32 { return &h.FileAlignment }),
		record.VersionNumber("OperatingSystemVersion", func(h *OptionalHeader) *record.Version { return &h.OperatingSystemVersion }, 2, 2),
		record.VersionNumber("ImageVersion", func(h *OptionalHeader) *record.Version { return &h.ImageVersion }, 2, 2),
		record.VersionNumber("SubsystemVersion", func(h *OptionalHeader) *record.Version { return &h.SubsystemVersion }, 2, 2),
		record.Integer("Win32VersionValue", func(h *OptionalHeader) *uint32 { return &h.Win32VersionValue }),
		record.Integer("SizeOfImage", func(h *OptionalHeader) *uint32 { return &h.SizeOfImage }),
		record.Integer("SizeOfHeaders", func(h *OptionalHeader) *uint32 { return &h.SizeOfHeaders }),
		record.Integer("CheckSum", func(h *OptionalHeader) *uint32 { return &h.CheckSum }),
		record.Integer("Subsystem", func(h *OptionalHeader) *Subsystem { return &h.Subsystem }),
		record.Integer("DllCharacteristics", func(h *OptionalHeader) *uint16 { return &h.DllCharacteristics }),
		record.Integer("SizeOfStackReserve", func(h *OptionalHeader) *uint64 { return &h.SizeOfStackReserve }, record.Width(address)),
		record.Integer("SizeOfStackCommit", func(h *OptionalHeader) *uint64 { return &h.SizeOfStackCommit }, record.Width(address)),
		record.Integer("SizeOfHeapReserve", func(h *OptionalHeader) *uint64 { return &h.SizeOfHeapReserve }, record.Width(address)),
		record.Integer("SizeOfHeapCommit", func(h *OptionalHeader) *uint64 { return &h.SizeOfHeapCommit }, record.Width(address)),
		record.Integer("LoaderFlags", func(h *OptionalHeader) *uint32 { return &h.LoaderFlags }),
		record.Integer("NumberOfRvaAndSizes", func(h *OptionalHeader) *uint32 { return &h.NumberOfRvaAndSizes }),
	)
	return record.NewLayout(name, 0, fields...)
}

var (
	OptionalHeader32Layout = optionalHeaderLayout(Pe32Magic, 4)
	OptionalHeader64Layout = optionalHeaderLayout(Pe32PlusMagic, 8)
)

type SectionHeader struct {
	Name                 string                 `json:"name" yaml:"name"`
	VirtualSize          uint32                 `json:"virtualSize" yaml:"virtualSize"`
	VirtualAddress       uint32                 `json:"virtualAddress" yaml:"virtualAddress"`
	SizeOfRawData        uint32                 `json:"sizeOfRawData" yaml:"sizeOfRawData"`
	PointerToRawData     uint32                 `json:"pointerToRawData" yaml:"pointerToRawData"`
	PointerToRelocations uint32                 `json:"pointerToRelocations" yaml:"pointerToRelocations"`
	PointerToLinenumbers uint32                 `json:"pointerToLinenumbers" yaml:"pointerToLinenumbers"`
	NumberOfRelocations  uint16                 `json:"numberOfRelocations" yaml:"numberOfRelocations"`
	NumberOfLinenumbers  uint16                 `json:"numberOfLinenumbers" yaml:"numberOfLinenumbers"`
	Characteristics      SectionCharacteristics `json:"characteristics" yaml:"characteristics"`
}

// Contains reports whether rva falls in [VirtualAddress, VirtualAddress+VirtualSize).
func (s *SectionHeader) Contains(rva uint32) bool {
	return rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(s.VirtualSize)
}

var SectionHeaderLayout = record.NewLayout("SectionHeader", 0,
	record.AsciiZ("Name", func(s *SectionHeader) *string { return &s.Name }, SizeOfShortName),
	record.Integer("VirtualSize", func(s *SectionHeader) *uint32 { return &s.VirtualSize }),
	record.Integer("VirtualAddress", func(s *SectionHeader) *uint32 { return &s.VirtualAddress }),
	record.Integer("SizeOfRawData", func(s *SectionHeader) *uint32 { return &s.SizeOfRawData }),
	record.Integer("PointerToRawData", func(s *SectionHeader) *uint32 { return &s.PointerToRawData }),
	record.Integer("PointerToRelocations", func(s *SectionHeader) *uint32 { return &s.PointerToRelocations }),
	record.Integer("PointerToLinenumbers", func(s *SectionHeader) *uint32 { return &s.PointerToLinenumbers }),
	record.Integer("NumberOfRelocations", func(s *SectionHeader) *uint16 { return &s.NumberOfRelocations }),
	record.Integer("NumberOfLinenumbers", func(s *SectionHeader) *uint16 { return &s.NumberOfLinenumbers }),
	record.Integer("Characteristics", func(s *SectionHeader) *SectionCharacteristics { return &s.Characteristics }),
)

type Machine uint16

const (
	MachineUnknown     Machine = 0x0
	MachineI386        Machine = 0x14c
	MachineR4000       Machine = 0x166
	MachineArm         Machine = 0x1c0
	MachineArmNT       Machine = 0x1c4
	MachineIA64        Machine = 0x200
	MachineEbc         Machine = 0xebc
	MachineRiscV64     Machine = 0x5064
	MachineLoongArch64 Machine = 0x6264
	MachineAmd64       Machine = 0x8664
	MachineArm64       Machine = 0xaa64
)

var machineNames = map[Machine]string{
	MachineUnknown:     "Unknown",
	MachineI386:        "I386",
	MachineR4000:       "R4000",
	MachineArm:         "Arm",
	MachineArmNT:       "ArmNT",
	MachineIA64:        "IA64",
	MachineEbc:         "Ebc",
	MachineRiscV64:     "RiscV64",
	MachineLoongArch64: "LoongArch64",
	MachineAmd64:       "Amd64",
	MachineArm64:       "Arm64",
}

func (m Machine) String() string {
	if s, ok := machineNames[m]; ok {
		return s
	}
	return "Machine(" + hex(uint64(m)) + ")"
}

func (m Machine) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

type Characteristics uint16

const (
	RelocsStripped       Characteristics = 0x0001
	ExecutableImage      Characteristics = 0x0002
	LineNumsStripped     Characteristics = 0x0004
	LocalSymsStripped    Characteristics = 0x0008
	AggressiveWsTrim     Characteristics = 0x0010
	LargeAddressAware    Characteristics = 0x0020
	BytesReversedLo      Characteristics = 0x0080
	Machine32Bit         Characteristics = 0x0100
	DebugStripped        Characteristics = 0x0200
	RemovableRunFromSwap Characteristics = 0x0400
	NetRunFromSwap       Characteristics = 0x0800
	System               Characteristics = 0x1000
	Dll                  Characteristics = 0x2000
	UpSystemOnly         Characteristics = 0x4000
	BytesReversedHi      Characteristics = 0x8000
)

var characteristicNames = []struct {
	flag Characteristics
	name string
}{
	{RelocsStripped, "RelocsStripped"},
	{ExecutableImage, "ExecutableImage"},
	{LineNumsStripped, "LineNumsStripped"},
	{LocalSymsStripped, "LocalSymsStripped"},
	{AggressiveWsTrim, "AggressiveWsTrim"},
	{LargeAddressAware, "LargeAddressAware"},
	{BytesReversedLo, "BytesReversedLo"},
	{Machine32Bit, "32BitMachine"},
	{DebugStripped, "DebugStripped"},
	{RemovableRunFromSwap, "RemovableRunFromSwap"},
	{NetRunFromSwap, "NetRunFromSwap"},
	{System, "System"},
	{Dll, "Dll"},
	{UpSystemOnly, "UpSystemOnly"},
	{BytesReversedHi, "BytesReversedHi"},
}

func (c Characteristics) String() string {
	var names []string
	rest := c
	for _, n := range characteristicNames {
		if c&n.flag != 0 {
			names = append(names, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		names = append(names, hex(uint64(rest)))
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

func (c Characteristics) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

type SectionCharacteristics uint32

const (
	SectionCode              SectionCharacteristics = 0x00000020
	SectionInitializedData   SectionCharacteristics = 0x00000040
	SectionUninitializedData SectionCharacteristics = 0x00000080
	SectionDiscardable       SectionCharacteristics = 0x02000000
	SectionShared            SectionCharacteristics = 0x10000000
	SectionExecute           SectionCharacteristics = 0x20000000
	SectionRead              SectionCharacteristics = 0x40000000
	SectionWrite             SectionCharacteristics = 0x80000000
)

type Subsystem uint16

const (
	SubsystemUnknown        Subsystem = 0
	SubsystemNative         Subsystem = 1
	SubsystemWindowsGUI     Subsystem = 2
	SubsystemWindowsCUI     Subsystem = 3
	SubsystemEfiApplication Subsystem = 10
)

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
