package memorymodule

import (
	"encoding/binary"
	"fmt"

	"pecoff"
	"pecoff/record"
)

// Base relocation types.
const (
	RelocAbsolute = 0
	RelocHighLow  = 3
	RelocDir64    = 10
)

// BaseRelocationBlock heads the fixups of one 4 KiB page.
type BaseRelocationBlock struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

const baseRelocationBlockSize = 8

var BaseRelocationBlockLayout = record.NewLayout("BaseRelocationBlock", 0,
	record.Integer("VirtualAddress", func(b *BaseRelocationBlock) *uint32 { return &b.VirtualAddress }),
	record.Integer("SizeOfBlock", func(b *BaseRelocationBlock) *uint32 { return &b.SizeOfBlock }),
)

type Relocation struct {
	Type uint8
	RVA  uint32
}

// Relocations decodes the base relocation directory. A block with a zero
// size ends the table.
func (m *Image) Relocations() ([]Relocation, error) {
	d, ok := m.file.Directory(pecoff.DirectoryBaseReloc)
	if !ok {
		return nil, nil
	}
	rd, err := m.Reader(d.VirtualAddress, d.Size)
	if err != nil {
		return nil, err
	}

	var relocs []Relocation
	for rd.Position()+baseRelocationBlockSize <= int64(d.Size) {
		b, err := BaseRelocationBlockLayout.Read(rd)
		if err != nil {
			return nil, err
		}
		if b.SizeOfBlock == 0 {
			break
		}
		if b.SizeOfBlock < baseRelocationBlockSize {
			return nil, fmt.Errorf("memorymodule: relocation block at %#x has size %d: %w",
				b.VirtualAddress, b.SizeOfBlock, pecoff.ErrOutOfRange)
		}
		count := (b.SizeOfBlock - baseRelocationBlockSize) / 2
		for i := uint32(0); i < count; i++ {
			e, err := rd.ReadUint16()
			if err != nil {
				return nil, fmt.Errorf("memorymodule: relocation block at %#x: %w", b.VirtualAddress, err)
			}
			relocs = append(relocs, Relocation{
				Type: uint8(e >> 12),
				RVA:  b.VirtualAddress + uint32(e&0xfff),
			})
		}
	}
	return relocs, nil
}

// Rebase applies the base relocations for newBase and records it as the
// image base in the mapped optional header. The image is left untouched when
// any relocation is unsupported or out of bounds.
func (m *Image) Rebase(newBase uint64) error {
	relocs, err := m.Relocations()
	if err != nil {
		return err
	}
	for _, r := range relocs {
		var width uint64
		switch r.Type {
		case RelocAbsolute:
			continue
		case RelocHighLow:
			width = 4
		case RelocDir64:
			width = 8
		default:
			return fmt.Errorf("%w %d at rva %#x", ErrUnsupportedRelocation, r.Type, r.RVA)
		}
		if uint64(r.RVA)+width > uint64(len(m.mem)) {
			return fmt.Errorf("memorymodule: relocation at rva %#x: %w", r.RVA, pecoff.ErrOutOfRange)
		}
	}

	delta := newBase - m.base
	le := binary.LittleEndian
	for _, r := range relocs {
		switch r.Type {
		case RelocHighLow:
			p := m.mem[r.RVA:]
			le.PutUint32(p, le.Uint32(p)+uint32(delta))
		case RelocDir64:
			p := m.mem[r.RVA:]
			le.PutUint64(p, le.Uint64(p)+delta)
		}
	}

	opt := int(m.file.DosHeader.NewHeaderOffset) + pecoff.CoffHeaderSize
	if m.file.Is64() {
		m.put64(opt+24, newBase)
	} else {
		m.put32(opt+28, uint32(newBase))
	}
	m.base = newBase
	return nil
}
