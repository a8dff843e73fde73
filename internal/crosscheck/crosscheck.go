// Package crosscheck compares the headers read by pecoff with those read by
// github.com/saferwall/pe for the same file.
package crosscheck

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/saferwall/pe"

	"pecoff"
)

var ErrMismatch = errors.New("crosscheck: parsers disagree")

// Summary is the part of an image both parsers must agree on.
type Summary struct {
	NewHeaderOffset uint32
	Machine         uint16
	Sections        []Section
}

type Section struct {
	Name             string
	VirtualAddress   uint32
	VirtualSize      uint32
	PointerToRawData uint32
}

type Mismatch struct {
	Field     string
	Pecoff    any
	Saferwall any
}

type MismatchError struct {
	Mismatches []Mismatch
}

func (e *MismatchError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = fmt.Sprintf("%s: pecoff %v, saferwall %v", m.Field, m.Pecoff, m.Saferwall)
	}
	return fmt.Sprintf("crosscheck: %d mismatches: %s", len(parts), strings.Join(parts, "; "))
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// Compare parses path with saferwall/pe in fast mode, which stops after the
// section table, and diffs the result against f.
func Compare(f *pecoff.File, path string) error {
	p, err := pe.New(path, &pe.Options{Fast: true})
	if err != nil {
		return fmt.Errorf("crosscheck: %w", err)
	}
	defer p.Close()

	if err := p.Parse(); err != nil {
		return fmt.Errorf("crosscheck: saferwall: %w", err)
	}
	return Diff(FromFile(f), fromSaferwall(p))
}

func FromFile(f *pecoff.File) Summary {
	s := Summary{
		NewHeaderOffset: f.DosHeader.NewHeaderOffset,
		Machine:         uint16(f.CoffHeader.Machine),
	}
	for _, sec := range f.Sections {
		s.Sections = append(s.Sections, Section{
			Name:             sec.Name,
			VirtualAddress:   sec.VirtualAddress,
			VirtualSize:      sec.VirtualSize,
			PointerToRawData: sec.PointerToRawData,
		})
	}
	return s
}

func fromSaferwall(p *pe.File) Summary {
	s := Summary{
		NewHeaderOffset: p.DOSHeader.AddressOfNewEXEHeader,
		Machine:         uint16(p.NtHeader.FileHeader.Machine),
	}
	for _, sec := range p.Sections {
		h := sec.Header
		name, _, _ := bytes.Cut(h.Name[:], []byte{0})
		s.Sections = append(s.Sections, Section{
			Name:             string(name),
			VirtualAddress:   h.VirtualAddress,
			VirtualSize:      h.VirtualSize,
			PointerToRawData: h.PointerToRawData,
		})
	}
	return s
}

// Diff lists every field where ours and theirs differ. Sections are compared
// pairwise up to the shorter table.
func Diff(ours, theirs Summary) error {
	var ms []Mismatch
	add := func(field string, a, b any) {
		if a != b {
			ms = append(ms, Mismatch{Field: field, Pecoff: a, Saferwall: b})
		}
	}
	add("NewHeaderOffset", hex(ours.NewHeaderOffset), hex(theirs.NewHeaderOffset))
	add("Machine", hex(ours.Machine), hex(theirs.Machine))
	add("NumberOfSections", len(ours.Sections), len(theirs.Sections))
	for i := 0; i < min(len(ours.Sections), len(theirs.Sections)); i++ {
		a, b := ours.Sections[i], theirs.Sections[i]
		prefix := fmt.Sprintf("Sections[%d].", i)
		add(prefix+"Name", a.Name, b.Name)
		add(prefix+"VirtualAddress", hex(a.VirtualAddress), hex(b.VirtualAddress))
		add(prefix+"VirtualSize", hex(a.VirtualSize), hex(b.VirtualSize))
		add(prefix+"PointerToRawData", hex(a.PointerToRawData), hex(b.PointerToRawData))
	}
	if len(ms) > 0 {
		return &MismatchError{Mismatches: ms}
	}
	return nil
}

func hex[T uint16 | uint32](v T) string {
	return fmt.Sprintf("%#x", v)
}
