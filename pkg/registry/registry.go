package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"bft_trust_engine/pkg/consensus"
	"bft_trust_engine/pkg/quorum"
	"bft_trust_engine/pkg/security"
)

var (
	ErrValidatorNotFound = errors.New("validator not registered")
	ErrDuplicateID       = errors.New("validator id already registered")
	ErrNoCryptoManager   = errors.New("registry has no crypto manager")
)

// ValidatorInfo describes one registered validator agent
type ValidatorInfo struct {
	ID           string
	AgentType    string
	PublicKey    []byte
	Weight       uint64
	Reputation   float64
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Registry is the directory of validator agents. It owns their identity
// records, session tokens, and reputation scores, and feeds the quorum
// and consensus layers their authority sets.
type Registry struct {
	validators  map[string]*ValidatorInfo
	reputation  *ReputationTracker
	crypto      *security.CryptoManager
	tokenExpiry time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewRegistry creates a validator registry. The crypto manager may be nil
// when session tokens are not needed.
func NewRegistry(crypto *security.CryptoManager, minReputation float64, tokenExpiry time.Duration, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokenExpiry <= 0 {
		tokenExpiry = time.Hour
	}

	return &Registry{
		validators:  make(map[string]*ValidatorInfo),
		reputation:  NewReputationTracker(minReputation, clk, logger),
		crypto:      crypto,
		tokenExpiry: tokenExpiry,
		clock:       clk,
		logger:      logger,
	}
}

// Register adds a validator to the directory. An empty ID gets a
// generated UUID; the assigned ID is returned.
func (r *Registry) Register(info ValidatorInfo) (string, error) {
	if info.ID == "" {
		info.ID = uuid.New().String()
	}
	if info.Weight == 0 {
		info.Weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[info.ID]; exists {
		return "", fmt.Errorf("%w: %q", ErrDuplicateID, info.ID)
	}

	now := r.clock.Now()
	info.RegisteredAt = now
	info.LastSeen = now
	info.Reputation = InitialScore
	r.validators[info.ID] = &info

	r.logger.Info("Validator registered",
		zap.String("validatorID", info.ID),
		zap.String("agentType", info.AgentType),
		zap.Uint64("weight", info.Weight))
	return info.ID, nil
}

// Unregister removes a validator and its reputation record
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[id]; !exists {
		return fmt.Errorf("%w: %q", ErrValidatorNotFound, id)
	}
	delete(r.validators, id)
	r.reputation.Remove(id)

	r.logger.Info("Validator unregistered", zap.String("validatorID", id))
	return nil
}

// Get returns a snapshot of one validator with its current reputation
func (r *Registry) Get(id string) (ValidatorInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.validators[id]
	if !exists {
		return ValidatorInfo{}, fmt.Errorf("%w: %q", ErrValidatorNotFound, id)
	}

	out := *info
	out.Reputation = r.reputation.Score(id)
	return out, nil
}

// List returns snapshots of all registered validators
func (r *Registry) List() []ValidatorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ValidatorInfo, 0, len(r.validators))
	for id, info := range r.validators {
		v := *info
		v.Reputation = r.reputation.Score(id)
		out = append(out, v)
	}
	return out
}

// Touch refreshes a validator's last-seen timestamp
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.validators[id]
	if !exists {
		return fmt.Errorf("%w: %q", ErrValidatorNotFound, id)
	}
	info.LastSeen = r.clock.Now()
	return nil
}

// Authorities converts the directory into a weighted authority set for
// the quorum engine
func (r *Registry) Authorities() []quorum.Authority {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]quorum.Authority, 0, len(r.validators))
	for _, info := range r.validators {
		out = append(out, quorum.Authority{
			ID:     quorum.AuthorityID(info.ID),
			Weight: info.Weight,
		})
	}
	return out
}

// Identities converts the directory into a consensus voting pool
func (r *Registry) Identities() []consensus.ValidatorIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]consensus.ValidatorIdentity, 0, len(r.validators))
	for _, info := range r.validators {
		out = append(out, consensus.ValidatorIdentity{
			ID:        quorum.AuthorityID(info.ID),
			PublicKey: info.PublicKey,
			Weight:    info.Weight,
		})
	}
	return out
}

// TrustedValidators returns validators whose reputation clears the floor
func (r *Registry) TrustedValidators() []ValidatorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ValidatorInfo, 0, len(r.validators))
	for id, info := range r.validators {
		if !r.reputation.IsTrusted(id) {
			continue
		}
		v := *info
		v.Reputation = r.reputation.Score(id)
		out = append(out, v)
	}
	return out
}

// RecordValidation applies a reputation adjustment for a validator's vote
// quality and refreshes its last-seen timestamp
func (r *Registry) RecordValidation(id string, valid bool) error {
	r.mu.Lock()
	info, exists := r.validators[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrValidatorNotFound, id)
	}
	info.LastSeen = r.clock.Now()
	r.mu.Unlock()

	if valid {
		r.reputation.RecordAction(id, ValidVote, 1.0)
	} else {
		r.reputation.RecordAction(id, InvalidVote, 1.0)
	}
	return nil
}

// Reputation exposes the underlying tracker for maintenance jobs
func (r *Registry) Reputation() *ReputationTracker {
	return r.reputation
}

// IssueSessionToken mints a signed session token for a registered validator
func (r *Registry) IssueSessionToken(id string) (*security.Token, error) {
	if r.crypto == nil {
		return nil, ErrNoCryptoManager
	}

	r.mu.RLock()
	_, exists := r.validators[id]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrValidatorNotFound, id)
	}

	token, err := r.crypto.IssueToken(id, r.tokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("issuing session token for %q: %w", id, err)
	}
	return token, nil
}

// ValidateSessionToken verifies a session token and returns the validator
// it belongs to
func (r *Registry) ValidateSessionToken(tokenString string) (ValidatorInfo, error) {
	if r.crypto == nil {
		return ValidatorInfo{}, ErrNoCryptoManager
	}

	subject, err := r.crypto.ValidateToken(tokenString)
	if err != nil {
		return ValidatorInfo{}, fmt.Errorf("validating session token: %w", err)
	}
	return r.Get(subject)
}

// Size returns the number of registered validators
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}
