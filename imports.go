package pecoff

import (
	"fmt"
	"time"

	"pecoff/record"
)

type ImportDescriptor struct {
	OriginalFirstThunk uint32    `json:"originalFirstThunk" yaml:"originalFirstThunk"`
	TimeDateStamp      time.Time `json:"timeDateStamp" yaml:"timeDateStamp"`
	ForwarderChain     uint32    `json:"forwarderChain" yaml:"forwarderChain"`
	Name               uint32    `json:"name" yaml:"name"`
	FirstThunk         uint32    `json:"firstThunk" yaml:"firstThunk"`
}

func (d *ImportDescriptor) isNull() bool {
	return d.OriginalFirstThunk == 0 && d.Name == 0 && d.FirstThunk == 0 &&
		d.ForwarderChain == 0 && d.TimeDateStamp.Unix() == 0
}

var ImportDescriptorLayout = record.NewLayout("ImportDescriptor", 0,
	record.Integer("OriginalFirstThunk", func(d *ImportDescriptor) *uint32 { return &d.OriginalFirstThunk }),
	record.PosixTime("TimeDateStamp", func(d *ImportDescriptor) *time.Time { return &d.TimeDateStamp }),
	record.Integer("ForwarderChain", func(d *ImportDescriptor) *uint32 { return &d.ForwarderChain }),
	record.Integer("Name", func(d *ImportDescriptor) *uint32 { return &d.Name }),
	record.Integer("FirstThunk", func(d *ImportDescriptor) *uint32 { return &d.FirstThunk }),
)

type importByName struct {
	Hint uint16
	Name string
}

var importByNameLayout = record.NewLayout("ImportByName", 0,
	record.Integer("Hint", func(i *importByName) *uint16 { return &i.Hint }),
	record.AsciiZ("Name", func(i *importByName) *string { return &i.Name }, 0),
)

// Import is one imported library and the functions taken from it. Functions
// imported by ordinal are named "#<ordinal>".
type Import struct {
	Library    string           `json:"library" yaml:"library"`
	Functions  []string         `json:"functions" yaml:"functions"`
	Descriptor ImportDescriptor `json:"descriptor" yaml:"descriptor"`
}

// Imports walks the import directory. An image without one has no imports.
func (f *File) Imports() ([]Import, error) {
	d, ok := f.Directory(DirectoryImport)
	if !ok {
		return nil, nil
	}
	rd, err := f.OpenRva(d.VirtualAddress, 0)
	if err != nil {
		return nil, err
	}

	var imports []Import
	for {
		desc, err := ImportDescriptorLayout.Read(rd)
		if err != nil {
			return nil, fmt.Errorf("import descriptor %d: %w", len(imports), err)
		}
		if desc.isNull() {
			break
		}
		lib, err := f.readString(desc.Name)
		if err != nil {
			return nil, fmt.Errorf("import descriptor %d name: %w", len(imports), err)
		}
		thunks := desc.OriginalFirstThunk
		if thunks == 0 {
			thunks = desc.FirstThunk
		}
		funcs, err := f.readThunks(thunks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", lib, err)
		}
		imports = append(imports, Import{Library: lib, Functions: funcs, Descriptor: *desc})
	}
	return imports, nil
}

// ImportedLibraries returns the names of the imported libraries in table order.
func (f *File) ImportedLibraries() ([]string, error) {
	imports, err := f.Imports()
	if err != nil {
		return nil, err
	}
	libs := make([]string, len(imports))
	for i := range imports {
		libs[i] = imports[i].Library
	}
	return libs, nil
}

func (f *File) readString(rva uint32) (string, error) {
	rd, err := f.OpenRva(rva, 0)
	if err != nil {
		return "", err
	}
	return rd.ReadAsciiZ()
}

func (f *File) readThunks(rva uint32) ([]string, error) {
	if rva == 0 {
		return nil, nil
	}
	rd, err := f.OpenRva(rva, 0)
	if err != nil {
		return nil, err
	}
	is64 := f.Is64()

	var funcs []string
	for {
		var (
			thunk   uint64
			ordinal bool
			err     error
		)
		if is64 {
			thunk, err = rd.ReadUint64()
			ordinal = thunk&(1<<63) != 0
		} else {
			var t uint32
			t, err = rd.ReadUint32()
			thunk, ordinal = uint64(t), t&(1<<31) != 0
		}
		if err != nil {
			return nil, err
		}
		if thunk == 0 {
			return funcs, nil
		}
		if ordinal {
			funcs = append(funcs, fmt.Sprintf("#%d", uint16(thunk)))
			continue
		}
		hrd, err := f.OpenRva(uint32(thunk), 0)
		if err != nil {
			return nil, err
		}
		ibn, err := importByNameLayout.Read(hrd)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, ibn.Name)
	}
}
