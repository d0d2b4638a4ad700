package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// Reputation score bounds
	MinReputationScore = 0.0
	MaxReputationScore = 1.0
	InitialScore       = 0.5

	// Score adjustments
	ValidVoteBonus     = 0.05
	InvalidVotePenalty = 0.1
	InactivityPenalty  = 0.01

	inactivityWindow = 24 * time.Hour
)

// ReputationAction represents types of actions that affect reputation
type ReputationAction string

const (
	ValidVote   ReputationAction = "VALID_VOTE"
	InvalidVote ReputationAction = "INVALID_VOTE"
	Inactivity  ReputationAction = "INACTIVITY"
)

// ValidatorScore tracks one validator's reputation
type ValidatorScore struct {
	ID           string
	Score        float64
	UpdatedAt    time.Time
	ValidVotes   uint64
	InvalidVotes uint64
	TotalActions uint64
	LastAction   time.Time
}

// ReputationStats represents reputation system statistics
type ReputationStats struct {
	TrustedValidators   int
	UntrustedValidators int
	AverageScore        float64
	UpdatesProcessed    uint64
	LastUpdate          time.Time
}

// ReputationTracker scores validators on their voting record. Scores are
// clamped to [0, 1] and every validator starts at the neutral midpoint.
type ReputationTracker struct {
	scores        map[string]*ValidatorScore
	minReputation float64
	clock         clock.Clock
	logger        *zap.Logger

	updatesProcessed uint64
	mu               sync.RWMutex
}

// NewReputationTracker creates a reputation tracker with the given trust floor
func NewReputationTracker(minReputation float64, clk clock.Clock, logger *zap.Logger) *ReputationTracker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReputationTracker{
		scores:        make(map[string]*ValidatorScore),
		minReputation: minReputation,
		clock:         clk,
		logger:        logger,
	}
}

// RecordAction applies a reputation adjustment for a validator, creating
// its score record on first sight
func (rt *ReputationTracker) RecordAction(id string, action ReputationAction, value float64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	score, exists := rt.scores[id]
	if !exists {
		score = &ValidatorScore{ID: id, Score: InitialScore, UpdatedAt: now}
		rt.scores[id] = score
	}

	newScore := score.Score
	switch action {
	case ValidVote:
		newScore += ValidVoteBonus * value
		score.ValidVotes++
	case InvalidVote:
		newScore -= InvalidVotePenalty * value
		score.InvalidVotes++
	case Inactivity:
		newScore -= InactivityPenalty * value
	}

	old := score.Score
	score.Score = math.Max(MinReputationScore, math.Min(MaxReputationScore, newScore))
	score.UpdatedAt = now
	score.TotalActions++
	score.LastAction = now
	rt.updatesProcessed++

	if math.Abs(score.Score-old) > 0.1 {
		rt.logger.Info("Significant reputation change",
			zap.String("validatorID", id),
			zap.Float64("oldScore", old),
			zap.Float64("newScore", score.Score),
			zap.String("action", string(action)))
	}
}

// Score returns a validator's current reputation, defaulting to the
// neutral score for unknown validators
func (rt *ReputationTracker) Score(id string) float64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	score, exists := rt.scores[id]
	if !exists {
		return InitialScore
	}
	return score.Score
}

// IsTrusted reports whether a validator's score clears the trust floor
func (rt *ReputationTracker) IsTrusted(id string) bool {
	return rt.Score(id) >= rt.minReputation
}

// ScoreDetails returns the full score record for a validator
func (rt *ReputationTracker) ScoreDetails(id string) (ValidatorScore, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	score, exists := rt.scores[id]
	if !exists {
		return ValidatorScore{}, fmt.Errorf("validator not found: %s", id)
	}
	return *score, nil
}

// Reset restores a validator's score to the neutral midpoint
func (rt *ReputationTracker) Reset(id string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	score, exists := rt.scores[id]
	if !exists {
		return fmt.Errorf("validator not found: %s", id)
	}

	now := rt.clock.Now()
	score.Score = InitialScore
	score.ValidVotes = 0
	score.InvalidVotes = 0
	score.TotalActions = 0
	score.UpdatedAt = now
	score.LastAction = now
	return nil
}

// Remove drops a validator's score record
func (rt *ReputationTracker) Remove(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.scores, id)
}

// ApplyInactivityDecay penalizes every validator whose last action is
// older than a day. Run from the maintenance scheduler.
func (rt *ReputationTracker) ApplyInactivityDecay() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	decayed := 0
	for _, score := range rt.scores {
		if now.Sub(score.LastAction) > inactivityWindow {
			score.Score = math.Max(MinReputationScore, score.Score-InactivityPenalty)
			score.UpdatedAt = now
			decayed++
		}
	}

	if decayed > 0 {
		rt.logger.Info("Applied inactivity decay", zap.Int("validators", decayed))
	}
	return decayed
}

// TopValidators returns the n best-scored validators in descending order
func (rt *ReputationTracker) TopValidators(n int) []ValidatorScore {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	scores := make([]ValidatorScore, 0, len(rt.scores))
	for _, score := range rt.scores {
		scores = append(scores, *score)
	}
	sort.Slice(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})

	if n > len(scores) {
		n = len(scores)
	}
	return scores[:n]
}

// GetStats returns reputation system statistics
func (rt *ReputationTracker) GetStats() ReputationStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var total float64
	trusted, untrusted := 0, 0
	for _, score := range rt.scores {
		total += score.Score
		if score.Score >= rt.minReputation {
			trusted++
		} else {
			untrusted++
		}
	}

	stats := ReputationStats{
		TrustedValidators:   trusted,
		UntrustedValidators: untrusted,
		UpdatesProcessed:    rt.updatesProcessed,
		LastUpdate:          rt.clock.Now(),
	}
	if len(rt.scores) > 0 {
		stats.AverageScore = total / float64(len(rt.scores))
	}
	return stats
}
