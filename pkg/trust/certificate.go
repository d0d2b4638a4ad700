package trust

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Certificate is an immutable identity credential issued by an external
// credential subsystem. The engine only verifies certificates, it never
// issues them.
type Certificate struct {
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer"`
	PublicKey  []byte    `json:"public_key"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Signature  []byte    `json:"signature"`
}

// IsSelfSigned reports whether the certificate is its own issuer
func (c *Certificate) IsSelfSigned() bool {
	return c.Subject == c.Issuer
}

// IsValidAt reports whether t falls inside the validity window
func (c *Certificate) IsValidAt(t time.Time) bool {
	return !t.Before(c.ValidFrom) && !t.After(c.ValidUntil)
}

// SigningPayload returns the canonical byte representation covered by the
// certificate signature. Fields are NUL-delimited with fixed-width epoch
// seconds so the encoding is unambiguous.
func (c *Certificate) SigningPayload() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.Subject)
	buf.WriteByte(0)
	buf.WriteString(c.Issuer)
	buf.WriteByte(0)
	buf.Write(c.PublicKey)
	buf.WriteByte(0)

	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(c.ValidFrom.Unix()))
	binary.BigEndian.PutUint64(window[8:], uint64(c.ValidUntil.Unix()))
	buf.Write(window[:])

	return buf.Bytes()
}

// Clone returns a deep copy of the certificate
func (c *Certificate) Clone() *Certificate {
	out := *c
	out.PublicKey = append([]byte(nil), c.PublicKey...)
	out.Signature = append([]byte(nil), c.Signature...)
	return &out
}

// CertificateChain is an ordered sequence of certificates from a leaf to
// its root, each issued by the next
type CertificateChain []*Certificate

// Leaf returns the first certificate of the chain, or nil when empty
func (cc CertificateChain) Leaf() *Certificate {
	if len(cc) == 0 {
		return nil
	}
	return cc[0]
}

// Root returns the last certificate of the chain, or nil when empty
func (cc CertificateChain) Root() *Certificate {
	if len(cc) == 0 {
		return nil
	}
	return cc[len(cc)-1]
}
