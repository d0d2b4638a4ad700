package quorum

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Error variables for consistent error handling
var (
	ErrInvalidState      = errors.New("invalid quorum state")
	ErrAuthorityNotFound = errors.New("authority not found")
)

// AuthorityID identifies a voting authority
type AuthorityID string

// Authority represents a weighted participant in the consensus process
type Authority struct {
	ID          AuthorityID
	Weight      uint64
	IsByzantine bool
}

// Config holds quorum sizing and threshold parameters
type Config struct {
	Threshold      float64 `mapstructure:"threshold"`
	MinAuthorities int     `mapstructure:"min_authorities"`
	MaxFaults      int     `mapstructure:"max_faults"`
	UseWeights     bool    `mapstructure:"use_weights"`
}

// DefaultConfig returns a 4-authority, single-fault configuration
func DefaultConfig() Config {
	return Config{
		Threshold:      0.67,
		MinAuthorities: 4,
		MaxFaults:      1,
		UseWeights:     true,
	}
}

// Validate checks the configuration invariants
func (c Config) Validate() error {
	if c.Threshold <= 0.5 || c.Threshold > 1.0 {
		return fmt.Errorf("%w: threshold must be in (0.5, 1.0], got %v", ErrInvalidState, c.Threshold)
	}
	if c.MaxFaults < 0 {
		return fmt.Errorf("%w: max_faults cannot be negative", ErrInvalidState)
	}
	if c.MinAuthorities < 3*c.MaxFaults+1 {
		return fmt.Errorf("%w: min_authorities (%d) must be at least 3*max_faults+1 (%d)",
			ErrInvalidState, c.MinAuthorities, 3*c.MaxFaults+1)
	}
	return nil
}

// Quorum maintains a weighted authority set and computes BFT thresholds.
// Threshold math and weight aggregation only take read access; UpdateWeight
// and MarkByzantine are the sole mutators.
type Quorum struct {
	config      Config
	authorities map[AuthorityID]*Authority
	totalWeight uint64
	mu          sync.RWMutex
}

// NewQuorum creates a quorum over the given authority set.
// It fails fast when the configuration or the set violates the sizing invariants.
func NewQuorum(cfg Config, authorities []Authority) (*Quorum, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(authorities) < cfg.MinAuthorities {
		return nil, fmt.Errorf("%w: need at least %d authorities, got %d",
			ErrInvalidState, cfg.MinAuthorities, len(authorities))
	}

	q := &Quorum{
		config:      cfg,
		authorities: make(map[AuthorityID]*Authority, len(authorities)),
	}

	for i := range authorities {
		a := authorities[i]
		if _, exists := q.authorities[a.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate authority %q", ErrInvalidState, a.ID)
		}
		q.authorities[a.ID] = &a
		q.totalWeight += q.effectiveWeight(&a)
	}

	return q, nil
}

// TotalWeight returns the aggregate voting weight of the set
func (q *Quorum) TotalWeight() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.totalWeight
}

// RequiredWeight returns the minimum aggregate weight needed to approve a decision
func (q *Quorum) RequiredWeight() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return uint64(math.Ceil(float64(q.totalWeight) * q.config.Threshold))
}

// HasQuorum reports whether the given weight meets the required threshold
func (q *Quorum) HasQuorum(weight uint64) bool {
	return weight >= q.RequiredWeight()
}

// CalculateWeight sums the weights of the known ids, silently skipping
// unknown ones. Lookup failures never error in this aggregate form.
func (q *Quorum) CalculateWeight(ids []AuthorityID) uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var total uint64
	for _, id := range ids {
		if a, ok := q.authorities[id]; ok {
			total += q.effectiveWeight(a)
		}
	}
	return total
}

// GetWeight returns the weight of a single authority
func (q *Quorum) GetWeight(id AuthorityID) (uint64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	a, ok := q.authorities[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAuthorityNotFound, id)
	}
	return q.effectiveWeight(a), nil
}

// UpdateWeight changes an authority's weight, adjusting the running total
// by the delta. Weight updates are only meaningful in weighted mode.
func (q *Quorum) UpdateWeight(id AuthorityID, newWeight uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.config.UseWeights {
		return fmt.Errorf("%w: weight updates disabled in unweighted mode", ErrInvalidState)
	}

	a, ok := q.authorities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAuthorityNotFound, id)
	}

	q.totalWeight = q.totalWeight - a.Weight + newWeight
	a.Weight = newWeight
	return nil
}

// MarkByzantine flags an authority as faulty. The flag never changes the
// total voting weight; it only feeds the fault-tolerance accounting.
func (q *Quorum) MarkByzantine(id AuthorityID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.authorities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAuthorityNotFound, id)
	}
	a.IsByzantine = true
	return nil
}

// ByzantineCount returns the number of authorities flagged as Byzantine
func (q *Quorum) ByzantineCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	count := 0
	for _, a := range q.authorities {
		if a.IsByzantine {
			count++
		}
	}
	return count
}

// MaxByzantineFaults returns floor((n-1)/3) over the authority count
func (q *Quorum) MaxByzantineFaults() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return (len(q.authorities) - 1) / 3
}

// CanReachQuorum reports whether agreement is still possible with the
// given number of Byzantine authorities
func (q *Quorum) CanReachQuorum(byzantineCount int) bool {
	return byzantineCount <= q.MaxByzantineFaults()
}

// IsFaultTolerant reports whether the current set tolerates its flagged faults
func (q *Quorum) IsFaultTolerant() bool {
	return q.CanReachQuorum(q.ByzantineCount())
}

// Size returns the number of authorities in the set
func (q *Quorum) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.authorities)
}

// Authorities returns a snapshot of the authority set
func (q *Quorum) Authorities() []Authority {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Authority, 0, len(q.authorities))
	for _, a := range q.authorities {
		out = append(out, *a)
	}
	return out
}

// effectiveWeight maps an authority to its voting weight: the configured
// weight in weighted mode, one head each otherwise. Callers hold the lock.
func (q *Quorum) effectiveWeight(a *Authority) uint64 {
	if q.config.UseWeights {
		return a.Weight
	}
	return 1
}
