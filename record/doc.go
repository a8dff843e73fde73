// Package record reads and writes fixed-layout little-endian binary records.
//
// A record type is described once by a Layout: an ordered table of fields,
// each bound to a location in the Go struct through an accessor. Reading walks
// the table in declaration order, so the table must follow the on-disk layout
// exactly.
//
//	var hdr = record.NewLayout("header", 0,
//		record.Integer("Magic", func(h *Header) *uint16 { return &h.Magic }, record.Magic(0x5A4D)),
//		record.PosixTime("Stamp", func(h *Header) *time.Time { return &h.Stamp }),
//		record.AsciiZ("Name", func(h *Header) *string { return &h.Name }, 8),
//	)
//
//	h, err := hdr.Read(record.NewReader(f, 0))
//
// Supported field kinds are integers of 1, 2, 4 or 8 bytes, ASCII strings
// (fixed width or NUL terminated), 32-bit POSIX timestamps, multi-component
// version numbers, nested records and reserved gaps. A field may carry a magic
// value, checked right after it is read. A layout may carry a pack value; the
// stream is then aligned to that multiple of the reader's position after each
// field.
//
// Reads are all-or-nothing: any failure is reported as a *FieldError and no
// record is returned.
package record
