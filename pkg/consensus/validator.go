package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"bft_trust_engine/pkg/quorum"
)

// unweightedQuorumPercent is the agreement bar when identities carry no weights
const unweightedQuorumPercent = 66.7

var ErrNoValidators = errors.New("validator set is empty")

// ValidatorIdentity is one weight-bearing member of the voting pool,
// supplied by the agent registry
type ValidatorIdentity struct {
	ID        quorum.AuthorityID
	PublicKey []byte
	Weight    uint64
}

// Config holds consensus round parameters
type Config struct {
	FaultTolerance int           `mapstructure:"fault_tolerance"`
	Threshold      float64       `mapstructure:"threshold"`
	UseWeights     bool          `mapstructure:"use_weights"`
	RoundTimeout   time.Duration `mapstructure:"round_timeout"`
}

// DefaultConfig returns single-fault consensus parameters
func DefaultConfig() Config {
	return Config{
		FaultTolerance: 1,
		Threshold:      0.67,
		UseWeights:     true,
		RoundTimeout:   30 * time.Second,
	}
}

// Result is the outcome of one consensus round
type Result struct {
	SubjectID           string
	TotalValidators     int
	VotesFor            int
	VotesAgainst        int
	ConsensusReached    bool
	AgreementPercentage float64
	BFTQuorumMet        bool
	Duration            time.Duration
}

// Metrics tracks consensus round outcomes
type Metrics struct {
	RoundsStarted  int64
	RoundsAccepted int64
	RoundsRejected int64
	AverageLatency time.Duration
	LastUpdate     time.Time
	mu             sync.RWMutex
}

// Stats is a snapshot of consensus metrics
type Stats struct {
	RoundsStarted  int64
	RoundsAccepted int64
	RoundsRejected int64
	AverageLatency time.Duration
	LastUpdate     time.Time
}

// Validator distributes a subject to N validator identities and aggregates
// their votes into a quorum-backed verdict. The weighted quorum threshold is
// the sole decision rule; the count-based 3f+1 bound is reported as a
// structural health flag and never decides a vote.
type Validator struct {
	identities []ValidatorIdentity
	quorum     *quorum.Quorum
	config     Config
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *Metrics
}

type vote struct {
	validator quorum.AuthorityID
	approved  bool
}

// NewValidator creates a consensus validator over the given identities.
// Identities without a weight (or in unweighted mode) count one head each.
func NewValidator(identities []ValidatorIdentity, cfg Config, clk clock.Clock, logger *zap.Logger) (*Validator, error) {
	if len(identities) == 0 {
		return nil, ErrNoValidators
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	authorities := make([]quorum.Authority, len(identities))
	for i, ident := range identities {
		weight := ident.Weight
		if !cfg.UseWeights || weight == 0 {
			weight = 1
		}
		authorities[i] = quorum.Authority{ID: ident.ID, Weight: weight}
	}

	// The quorum here only does weight math over the pool; pool sizing
	// against the fault bound is reported per round via BFTQuorumMet.
	q, err := quorum.NewQuorum(quorum.Config{
		Threshold:      cfg.Threshold,
		MinAuthorities: 1,
		MaxFaults:      0,
		UseWeights:     cfg.UseWeights,
	}, authorities)
	if err != nil {
		return nil, fmt.Errorf("building validator quorum: %w", err)
	}

	return &Validator{
		identities: identities,
		quorum:     q,
		config:     cfg,
		clock:      clk,
		logger:     logger,
		metrics:    &Metrics{},
	}, nil
}

// Quorum exposes the underlying weight table, letting callers adjust
// validator weights or flag Byzantine members between rounds
func (v *Validator) Quorum() *quorum.Quorum {
	return v.quorum
}

// ValidateWithConsensus runs one voting round: every validator evaluates its
// own copy of the subject concurrently, and the joined votes are aggregated.
// Aggregation is commutative, so vote arrival order never changes the verdict.
func (v *Validator) ValidateWithConsensus(ctx context.Context, subject Subject) (*Result, error) {
	start := v.clock.Now()

	if v.config.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.config.RoundTimeout)
		defer cancel()
	}

	v.metrics.mu.Lock()
	v.metrics.RoundsStarted++
	v.metrics.mu.Unlock()

	votes := make(chan vote, len(v.identities))
	var wg sync.WaitGroup

	for _, ident := range v.identities {
		wg.Add(1)
		go func(ident ValidatorIdentity) {
			defer wg.Done()
			approved := subject.Clone().Evaluate(ctx)
			votes <- vote{validator: ident.ID, approved: approved}
		}(ident)
	}

	wg.Wait()
	close(votes)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("consensus round aborted: %w", err)
	}

	votesFor := 0
	approvers := make([]quorum.AuthorityID, 0, len(v.identities))
	for vt := range votes {
		if vt.approved {
			votesFor++
			approvers = append(approvers, vt.validator)
		}
	}

	total := len(v.identities)
	agreement := float64(votesFor) / float64(total) * 100

	var reached bool
	if v.config.UseWeights {
		reached = v.quorum.HasQuorum(v.quorum.CalculateWeight(approvers))
	} else {
		reached = agreement >= unweightedQuorumPercent
	}

	result := &Result{
		SubjectID:           subject.ID(),
		TotalValidators:     total,
		VotesFor:            votesFor,
		VotesAgainst:        total - votesFor,
		ConsensusReached:    reached,
		AgreementPercentage: agreement,
		BFTQuorumMet:        total >= 3*v.config.FaultTolerance+1,
		Duration:            v.clock.Since(start),
	}

	v.recordRound(result)
	return result, nil
}

// ValidateBatch runs consensus rounds for multiple subjects in parallel
func (v *Validator) ValidateBatch(ctx context.Context, subjects []Subject) ([]*Result, error) {
	results := make([]*Result, len(subjects))
	errChan := make(chan error, len(subjects))
	var wg sync.WaitGroup

	for i, subject := range subjects {
		wg.Add(1)
		go func(index int, subject Subject) {
			defer wg.Done()

			result, err := v.ValidateWithConsensus(ctx, subject)
			if err != nil {
				errChan <- fmt.Errorf("consensus for subject at index %d: %w", index, err)
				return
			}
			results[index] = result
		}(i, subject)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// GetStats returns a snapshot of consensus metrics
func (v *Validator) GetStats() Stats {
	v.metrics.mu.RLock()
	defer v.metrics.mu.RUnlock()

	return Stats{
		RoundsStarted:  v.metrics.RoundsStarted,
		RoundsAccepted: v.metrics.RoundsAccepted,
		RoundsRejected: v.metrics.RoundsRejected,
		AverageLatency: v.metrics.AverageLatency,
		LastUpdate:     v.metrics.LastUpdate,
	}
}

func (v *Validator) recordRound(result *Result) {
	v.metrics.mu.Lock()
	if result.ConsensusReached {
		v.metrics.RoundsAccepted++
	} else {
		v.metrics.RoundsRejected++
	}
	if v.metrics.AverageLatency == 0 {
		v.metrics.AverageLatency = result.Duration
	} else {
		v.metrics.AverageLatency = (v.metrics.AverageLatency*9 + result.Duration) / 10
	}
	v.metrics.LastUpdate = v.clock.Now()
	v.metrics.mu.Unlock()

	v.logger.Info("Consensus round completed",
		zap.String("subjectID", result.SubjectID),
		zap.Int("votesFor", result.VotesFor),
		zap.Int("votesAgainst", result.VotesAgainst),
		zap.Bool("reached", result.ConsensusReached),
		zap.Bool("bftQuorumMet", result.BFTQuorumMet),
		zap.Duration("duration", result.Duration))
}
