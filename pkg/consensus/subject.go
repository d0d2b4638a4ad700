package consensus

import (
	"bytes"
	"context"
	"encoding/binary"

	"bft_trust_engine/pkg/trust"
)

// Subject is a decision put to the validator pool. Evaluate must be
// deterministic and read-only; each validator works on its own copy, so
// no validator can mutate shared state during a voting round.
type Subject interface {
	ID() string
	Clone() Subject
	Evaluate(ctx context.Context) bool
}

// ChainSubject puts a certificate chain validation to the vote
type ChainSubject struct {
	leaf      *trust.Certificate
	validator *trust.Validator
}

// NewChainSubject creates a chain subject over a shared, read-only validator
func NewChainSubject(leaf *trust.Certificate, validator *trust.Validator) *ChainSubject {
	return &ChainSubject{leaf: leaf, validator: validator}
}

// ID returns the leaf subject name
func (s *ChainSubject) ID() string {
	return s.leaf.Subject
}

// Clone copies the leaf so each validator evaluates its own data
func (s *ChainSubject) Clone() Subject {
	return &ChainSubject{leaf: s.leaf.Clone(), validator: s.validator}
}

// Evaluate validates the chain from the leaf to a trusted root
func (s *ChainSubject) Evaluate(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return s.validator.ValidateChain(s.leaf).IsValid
}

// PaymentAuthorization describes a payment awaiting approval. Amounts are
// minor units so tampering is detectable by exact comparison.
type PaymentAuthorization struct {
	ID               string
	Payer            string
	Payee            string
	Amount           uint64
	AuthorizedAmount uint64
	PublicKey        []byte
	Signature        []byte
}

// SigningPayload returns the canonical bytes covered by the authorization
// signature. The requested amount is deliberately excluded: the signature
// binds what the payer authorized, not what is being charged.
func (p *PaymentAuthorization) SigningPayload() []byte {
	var buf bytes.Buffer
	buf.WriteString(p.ID)
	buf.WriteByte(0)
	buf.WriteString(p.Payer)
	buf.WriteByte(0)
	buf.WriteString(p.Payee)
	buf.WriteByte(0)

	var amount [8]byte
	binary.BigEndian.PutUint64(amount[:], p.AuthorizedAmount)
	buf.Write(amount[:])

	return buf.Bytes()
}

// Clone returns a deep copy of the authorization
func (p *PaymentAuthorization) Clone() *PaymentAuthorization {
	out := *p
	out.PublicKey = append([]byte(nil), p.PublicKey...)
	out.Signature = append([]byte(nil), p.Signature...)
	return &out
}

// PaymentSubject puts a payment authorization to the vote
type PaymentSubject struct {
	payment  *PaymentAuthorization
	verifier trust.SignatureVerifier
}

// NewPaymentSubject creates a payment subject
func NewPaymentSubject(payment *PaymentAuthorization, verifier trust.SignatureVerifier) *PaymentSubject {
	return &PaymentSubject{payment: payment, verifier: verifier}
}

// ID returns the payment identifier
func (s *PaymentSubject) ID() string {
	return s.payment.ID
}

// Clone copies the payment so each validator evaluates its own data
func (s *PaymentSubject) Clone() Subject {
	return &PaymentSubject{payment: s.payment.Clone(), verifier: s.verifier}
}

// Evaluate approves the payment only when the charged amount matches the
// authorized amount exactly and the payer signature verifies
func (s *PaymentSubject) Evaluate(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	p := s.payment
	if p.Amount == 0 || p.Amount != p.AuthorizedAmount {
		return false
	}
	if s.verifier != nil && !s.verifier.Verify(p.SigningPayload(), p.Signature, p.PublicKey) {
		return false
	}
	return true
}
