package registry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReputationBounds(t *testing.T) {
	rt := NewReputationTracker(0.5, nil, nil)

	// Penalties cannot push below the floor
	for i := 0; i < 20; i++ {
		rt.RecordAction("val-1", InvalidVote, 1.0)
	}
	assert.Equal(t, MinReputationScore, rt.Score("val-1"))

	// Bonuses cannot push above the ceiling
	for i := 0; i < 30; i++ {
		rt.RecordAction("val-2", ValidVote, 1.0)
	}
	assert.Equal(t, MaxReputationScore, rt.Score("val-2"))
}

func TestUnknownValidatorScoresNeutral(t *testing.T) {
	rt := NewReputationTracker(0.5, nil, nil)

	assert.Equal(t, InitialScore, rt.Score("never-seen"))
	assert.True(t, rt.IsTrusted("never-seen"))
}

func TestInactivityDecay(t *testing.T) {
	mock := clock.NewMock()
	rt := NewReputationTracker(0.5, mock, nil)

	rt.RecordAction("active", ValidVote, 1.0)
	rt.RecordAction("idle", ValidVote, 1.0)

	mock.Add(25 * time.Hour)
	rt.RecordAction("active", ValidVote, 1.0)

	decayed := rt.ApplyInactivityDecay()
	assert.Equal(t, 1, decayed)
	assert.InDelta(t, 0.54, rt.Score("idle"), 0.001)
	assert.InDelta(t, 0.60, rt.Score("active"), 0.001)
}

func TestReset(t *testing.T) {
	rt := NewReputationTracker(0.5, nil, nil)

	rt.RecordAction("val-1", InvalidVote, 1.0)
	require.NoError(t, rt.Reset("val-1"))
	assert.Equal(t, InitialScore, rt.Score("val-1"))

	details, err := rt.ScoreDetails("val-1")
	require.NoError(t, err)
	assert.Zero(t, details.TotalActions)

	assert.Error(t, rt.Reset("ghost"))
}

func TestTopValidators(t *testing.T) {
	rt := NewReputationTracker(0.5, nil, nil)

	rt.RecordAction("low", InvalidVote, 1.0)
	rt.RecordAction("mid", ValidVote, 1.0)
	rt.RecordAction("high", ValidVote, 1.0)
	rt.RecordAction("high", ValidVote, 1.0)

	top := rt.TopValidators(2)
	require.Len(t, top, 2)
	assert.Equal(t, "high", top[0].ID)
	assert.Equal(t, "mid", top[1].ID)

	assert.Len(t, rt.TopValidators(10), 3)
}

func TestReputationStats(t *testing.T) {
	rt := NewReputationTracker(0.5, nil, nil)

	rt.RecordAction("trusted", ValidVote, 1.0)
	rt.RecordAction("untrusted", InvalidVote, 1.0)

	stats := rt.GetStats()
	assert.Equal(t, 1, stats.TrustedValidators)
	assert.Equal(t, 1, stats.UntrustedValidators)
	assert.Equal(t, uint64(2), stats.UpdatesProcessed)
	assert.InDelta(t, 0.475, stats.AverageScore, 0.001)
}
