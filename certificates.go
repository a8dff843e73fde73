package pecoff

import (
	"crypto/x509"
	"fmt"

	"go.mozilla.org/pkcs7"

	"pecoff/record"
)

const (
	CertificateRevision2    = 0x0200
	CertificateTypeX509     = 0x0001
	CertificateTypePKCS7    = 0x0002
	certificateHeaderSize   = 8
	certificateEntryAlign   = 8
	maxCertificateTableSize = 1 << 24
)

// CertificateEntry is the WIN_CERTIFICATE header.
type CertificateEntry struct {
	Length   uint32 `json:"length" yaml:"length"`
	Revision uint16 `json:"revision" yaml:"revision"`
	Type     uint16 `json:"type" yaml:"type"`
}

var CertificateEntryLayout = record.NewLayout("CertificateEntry", 0,
	record.Integer("Length", func(c *CertificateEntry) *uint32 { return &c.Length }),
	record.Integer("Revision", func(c *CertificateEntry) *uint16 { return &c.Revision }, record.Magic(CertificateRevision2)),
	record.Integer("Type", func(c *CertificateEntry) *uint16 { return &c.Type }),
)

// Certificate is one entry of the attribute certificate table. For PKCS#7
// entries the embedded certificates and the signer are decoded.
type Certificate struct {
	CertificateEntry `yaml:",inline"`

	Data         []byte              `json:"-" yaml:"-"`
	Signer       string              `json:"signer,omitempty" yaml:"signer,omitempty"`
	Certificates []*x509.Certificate `json:"-" yaml:"-"`
}

// Certificates reads the attribute certificate table. The security directory
// holds a file offset rather than an RVA.
func (f *File) Certificates() ([]Certificate, error) {
	d, ok := f.Directory(DirectorySecurity)
	if !ok {
		return nil, nil
	}
	if d.Size > maxCertificateTableSize {
		return nil, fmt.Errorf("certificate table of %d bytes: %w", d.Size, ErrOutOfRange)
	}
	start := int64(d.VirtualAddress)
	end := start + int64(d.Size)
	if end > f.size {
		return nil, fmt.Errorf("certificate table ends at %#x past end of file: %w", end, ErrEndOfStream)
	}
	// entries are aligned to 8 bytes from the start of the table
	rd := f.openRange(start, end, 0)

	var certs []Certificate
	for rd.Position() < int64(d.Size) {
		e, err := CertificateEntryLayout.Read(rd)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", len(certs), err)
		}
		if e.Length < certificateHeaderSize {
			return nil, fmt.Errorf("certificate %d: length %d: %w", len(certs), e.Length, ErrOutOfRange)
		}
		if int64(e.Length) > int64(d.Size)-rd.Position()+certificateHeaderSize {
			return nil, fmt.Errorf("certificate %d: length %d past end of table: %w", len(certs), e.Length, ErrEndOfStream)
		}
		data, err := rd.ReadBytes(int(e.Length - certificateHeaderSize))
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", len(certs), err)
		}
		c := Certificate{CertificateEntry: *e, Data: data}
		if e.Type == CertificateTypePKCS7 {
			if err := c.decodePKCS7(); err != nil {
				return nil, fmt.Errorf("certificate %d: %w", len(certs), err)
			}
		}
		certs = append(certs, c)

		if rd.Position() < int64(d.Size) {
			if err := rd.Align(certificateEntryAlign); err != nil {
				return nil, fmt.Errorf("certificate %d padding: %w", len(certs), err)
			}
		}
	}
	return certs, nil
}

func (c *Certificate) decodePKCS7() error {
	p7, err := pkcs7.Parse(c.Data)
	if err != nil {
		return fmt.Errorf("pkcs7: %w", err)
	}
	c.Certificates = p7.Certificates
	if signer := p7.GetOnlySigner(); signer != nil {
		c.Signer = signer.Subject.String()
	}
	return nil
}
