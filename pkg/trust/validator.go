package trust

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	// MaxChainLength is the hard cap on cache-driven chain traversal
	MaxChainLength = 10

	defaultCacheSize = 1024
	defaultCacheTTL  = time.Hour
)

var (
	ErrNotSelfSigned = errors.New("certificate is not self-signed")
	ErrBadAnchor     = errors.New("trust anchor signature invalid")
)

// SignatureVerifier is the abstract signature-checking capability. The
// engine never implements cryptographic algorithms itself.
type SignatureVerifier interface {
	Verify(data, signature, publicKey []byte) bool
}

// ChainResult is the per-call outcome of a chain validation. Soft failures
// accumulate in ValidationErrors so one call diagnoses the whole chain.
type ChainResult struct {
	IsValid          bool
	Chain            CertificateChain
	RootCertificate  *Certificate
	ValidationErrors []string
}

// ValidatorMetrics tracks chain validation outcomes
type ValidatorMetrics struct {
	ChainsValidated int64
	ChainsAccepted  int64
	ChainsRejected  int64
	AverageLatency  time.Duration
	LastUpdate      time.Time
	mu              sync.RWMutex
}

// ValidatorStats is a snapshot of validator metrics
type ValidatorStats struct {
	ChainsValidated int64
	ChainsAccepted  int64
	ChainsRejected  int64
	AverageLatency  time.Duration
	TrustAnchors    int
	CachedCerts     int
	LastUpdate      time.Time
}

// Validator validates certificate chains from a leaf up to a registered
// trust anchor. Traversal is iterative with an explicit visited set, so
// cycles terminate and stack depth stays bounded.
type Validator struct {
	anchors  map[string]*Certificate
	cache    *expirable.LRU[string, *Certificate]
	verifier SignatureVerifier
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *ValidatorMetrics
	mu       sync.RWMutex
}

// NewValidator creates a chain validator with an hour-long certificate cache
func NewValidator(verifier SignatureVerifier, clk clock.Clock, logger *zap.Logger) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Validator{
		anchors:  make(map[string]*Certificate),
		cache:    expirable.NewLRU[string, *Certificate](defaultCacheSize, nil, defaultCacheTTL),
		verifier: verifier,
		clock:    clk,
		logger:   logger,
		metrics:  &ValidatorMetrics{},
	}
}

// AddTrustAnchor registers a self-signed root certificate as trusted
func (v *Validator) AddTrustAnchor(cert *Certificate) error {
	if !cert.IsSelfSigned() {
		return fmt.Errorf("%w: %q", ErrNotSelfSigned, cert.Subject)
	}
	if v.verifier != nil && !v.verifier.Verify(cert.SigningPayload(), cert.Signature, cert.PublicKey) {
		return fmt.Errorf("%w: %q", ErrBadAnchor, cert.Subject)
	}

	clone := cert.Clone()

	v.mu.Lock()
	v.anchors[cert.Subject] = clone
	v.mu.Unlock()
	v.cache.Add(cert.Subject, clone)

	v.logger.Info("Trust anchor registered", zap.String("subject", cert.Subject))
	return nil
}

// RemoveTrustAnchor unregisters a trust anchor
func (v *Validator) RemoveTrustAnchor(subject string) {
	v.mu.Lock()
	delete(v.anchors, subject)
	v.mu.Unlock()
}

// AddCertificate caches an intermediate certificate keyed by subject
func (v *Validator) AddCertificate(cert *Certificate) error {
	if cert.Subject == "" {
		return fmt.Errorf("certificate subject cannot be empty")
	}
	v.cache.Add(cert.Subject, cert.Clone())
	return nil
}

// LookupCertificate retrieves a cached certificate by subject
func (v *Validator) LookupCertificate(subject string) (*Certificate, bool) {
	return v.cache.Get(subject)
}

// IsTrustAnchor reports whether the subject is a registered anchor
func (v *Validator) IsTrustAnchor(subject string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.anchors[subject]
	return ok
}

// ValidateChain walks from leaf to root through the certificate cache.
// Temporal failures are recorded but do not stop traversal; cycles, missing
// issuers, untrusted roots, bad signatures, and over-long chains do.
func (v *Validator) ValidateChain(leaf *Certificate) *ChainResult {
	start := v.clock.Now()

	if leaf == nil {
		return v.finish(start, &ChainResult{
			IsValid:          false,
			Chain:            CertificateChain{},
			ValidationErrors: []string{"leaf certificate is nil"},
		})
	}

	now := v.clock.Now()
	chain := CertificateChain{leaf}
	visited := make(map[string]struct{})
	var errs []string

	current := leaf
	for {
		if _, seen := visited[current.Subject]; seen {
			errs = append(errs, fmt.Sprintf("cycle detected at %q", current.Subject))
			return v.finish(start, &ChainResult{IsValid: false, Chain: chain, ValidationErrors: errs})
		}
		visited[current.Subject] = struct{}{}

		if !current.IsValidAt(now) {
			// Recorded but traversal continues
			errs = append(errs, fmt.Sprintf("certificate %q is outside its validity window", current.Subject))
		}

		if current.IsSelfSigned() {
			v.mu.RLock()
			_, trusted := v.anchors[current.Subject]
			v.mu.RUnlock()

			if !trusted {
				errs = append(errs, fmt.Sprintf("root %q is not a registered trust anchor", current.Subject))
				return v.finish(start, &ChainResult{IsValid: false, Chain: chain, ValidationErrors: errs})
			}
			if v.verifier != nil && !v.verifier.Verify(current.SigningPayload(), current.Signature, current.PublicKey) {
				errs = append(errs, fmt.Sprintf("invalid signature on root %q", current.Subject))
				return v.finish(start, &ChainResult{IsValid: false, Chain: chain, ValidationErrors: errs})
			}

			return v.finish(start, &ChainResult{
				IsValid:          len(errs) == 0,
				Chain:            chain,
				RootCertificate:  current,
				ValidationErrors: errs,
			})
		}

		issuer, ok := v.cache.Get(current.Issuer)
		if !ok {
			errs = append(errs, fmt.Sprintf("issuer %q not found for %q", current.Issuer, current.Subject))
			return v.finish(start, &ChainResult{IsValid: false, Chain: chain, ValidationErrors: errs})
		}
		if v.verifier != nil && !v.verifier.Verify(current.SigningPayload(), current.Signature, issuer.PublicKey) {
			errs = append(errs, fmt.Sprintf("invalid signature on %q (issuer %q)", current.Subject, current.Issuer))
			return v.finish(start, &ChainResult{IsValid: false, Chain: chain, ValidationErrors: errs})
		}

		current = issuer
		chain = append(chain, issuer)

		if len(chain) > MaxChainLength {
			errs = append(errs, fmt.Sprintf("chain exceeds maximum length %d", MaxChainLength))
			return v.finish(start, &ChainResult{IsValid: false, Chain: chain, ValidationErrors: errs})
		}
	}
}

// ValidateChainWithMaxDepth validates a pre-built ordered chain against a
// caller-supplied depth bound instead of cache-driven lookups
func (v *Validator) ValidateChainWithMaxDepth(chain CertificateChain, maxDepth int) *ChainResult {
	start := v.clock.Now()
	now := v.clock.Now()

	var errs []string
	result := &ChainResult{Chain: chain}

	if len(chain) == 0 {
		result.ValidationErrors = []string{"chain is empty"}
		return v.finish(start, result)
	}
	if len(chain) > maxDepth {
		result.ValidationErrors = []string{fmt.Sprintf("chain length %d exceeds maximum depth %d", len(chain), maxDepth)}
		return v.finish(start, result)
	}

	visited := make(map[string]struct{})
	for i, cert := range chain {
		if _, seen := visited[cert.Subject]; seen {
			errs = append(errs, fmt.Sprintf("cycle detected at %q", cert.Subject))
			result.ValidationErrors = errs
			return v.finish(start, result)
		}
		visited[cert.Subject] = struct{}{}

		if !cert.IsValidAt(now) {
			errs = append(errs, fmt.Sprintf("certificate %q is outside its validity window", cert.Subject))
		}

		if i < len(chain)-1 {
			next := chain[i+1]
			if cert.Issuer != next.Subject {
				errs = append(errs, fmt.Sprintf("issuer mismatch: %q names %q, chain has %q", cert.Subject, cert.Issuer, next.Subject))
				result.ValidationErrors = errs
				return v.finish(start, result)
			}
			if v.verifier != nil && !v.verifier.Verify(cert.SigningPayload(), cert.Signature, next.PublicKey) {
				errs = append(errs, fmt.Sprintf("invalid signature on %q (issuer %q)", cert.Subject, cert.Issuer))
				result.ValidationErrors = errs
				return v.finish(start, result)
			}
			continue
		}

		// Chain root
		if !cert.IsSelfSigned() {
			errs = append(errs, fmt.Sprintf("chain root %q is not self-signed", cert.Subject))
			result.ValidationErrors = errs
			return v.finish(start, result)
		}
		if !v.IsTrustAnchor(cert.Subject) {
			errs = append(errs, fmt.Sprintf("root %q is not a registered trust anchor", cert.Subject))
			result.ValidationErrors = errs
			return v.finish(start, result)
		}
		if v.verifier != nil && !v.verifier.Verify(cert.SigningPayload(), cert.Signature, cert.PublicKey) {
			errs = append(errs, fmt.Sprintf("invalid signature on root %q", cert.Subject))
			result.ValidationErrors = errs
			return v.finish(start, result)
		}

		result.RootCertificate = cert
	}

	result.IsValid = len(errs) == 0
	result.ValidationErrors = errs
	return v.finish(start, result)
}

// GetStats returns a snapshot of validator metrics
func (v *Validator) GetStats() ValidatorStats {
	v.metrics.mu.RLock()
	defer v.metrics.mu.RUnlock()

	v.mu.RLock()
	anchors := len(v.anchors)
	v.mu.RUnlock()

	return ValidatorStats{
		ChainsValidated: v.metrics.ChainsValidated,
		ChainsAccepted:  v.metrics.ChainsAccepted,
		ChainsRejected:  v.metrics.ChainsRejected,
		AverageLatency:  v.metrics.AverageLatency,
		TrustAnchors:    anchors,
		CachedCerts:     v.cache.Len(),
		LastUpdate:      v.metrics.LastUpdate,
	}
}

// finish records metrics for a completed validation and returns the result
func (v *Validator) finish(start time.Time, result *ChainResult) *ChainResult {
	duration := v.clock.Since(start)

	v.metrics.mu.Lock()
	v.metrics.ChainsValidated++
	if result.IsValid {
		v.metrics.ChainsAccepted++
	} else {
		v.metrics.ChainsRejected++
	}
	if v.metrics.AverageLatency == 0 {
		v.metrics.AverageLatency = duration
	} else {
		v.metrics.AverageLatency = (v.metrics.AverageLatency*9 + duration) / 10
	}
	v.metrics.LastUpdate = v.clock.Now()
	v.metrics.mu.Unlock()

	v.logger.Debug("Chain validation completed",
		zap.Bool("valid", result.IsValid),
		zap.Int("chainLength", len(result.Chain)),
		zap.Strings("errors", result.ValidationErrors),
		zap.Duration("duration", duration))

	return result
}
