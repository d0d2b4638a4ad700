package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fourAuthorities(weight uint64) []Authority {
	return []Authority{
		{ID: "auth1", Weight: weight},
		{ID: "auth2", Weight: weight},
		{ID: "auth3", Weight: weight},
		{ID: "auth4", Weight: weight},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		wantErr      bool
	}{
		{
			name:         "ValidConfig",
			modifyConfig: func(c *Config) {},
			wantErr:      false,
		},
		{
			name: "ThresholdTooLow",
			modifyConfig: func(c *Config) {
				c.Threshold = 0.5
			},
			wantErr: true,
		},
		{
			name: "ThresholdAboveOne",
			modifyConfig: func(c *Config) {
				c.Threshold = 1.1
			},
			wantErr: true,
		},
		{
			name: "ThresholdExactlyOne",
			modifyConfig: func(c *Config) {
				c.Threshold = 1.0
			},
			wantErr: false,
		},
		{
			name: "TooFewAuthoritiesForFaults",
			modifyConfig: func(c *Config) {
				c.MaxFaults = 2
				c.MinAuthorities = 6
			},
			wantErr: true,
		},
		{
			name: "ExactSizingBound",
			modifyConfig: func(c *Config) {
				c.MaxFaults = 2
				c.MinAuthorities = 7
			},
			wantErr: false,
		},
		{
			name: "NegativeFaults",
			modifyConfig: func(c *Config) {
				c.MaxFaults = -1
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyConfig(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidState)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewQuorum_RejectsSmallSets(t *testing.T) {
	cfg := DefaultConfig()

	_, err := NewQuorum(cfg, fourAuthorities(100)[:3])
	assert.ErrorIs(t, err, ErrInvalidState)

	q, err := NewQuorum(cfg, fourAuthorities(100))
	require.NoError(t, err)
	assert.Equal(t, 4, q.Size())
}

func TestNewQuorum_RejectsDuplicateAuthorities(t *testing.T) {
	auths := fourAuthorities(100)
	auths[3].ID = auths[0].ID

	_, err := NewQuorum(DefaultConfig(), auths)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRequiredWeight(t *testing.T) {
	// 4 authorities x weight 100 at threshold 0.67 => ceil(400*0.67) = 268
	q, err := NewQuorum(DefaultConfig(), fourAuthorities(100))
	require.NoError(t, err)

	assert.Equal(t, uint64(400), q.TotalWeight())
	assert.Equal(t, uint64(268), q.RequiredWeight())

	assert.False(t, q.HasQuorum(267))
	assert.True(t, q.HasQuorum(268))
	assert.True(t, q.HasQuorum(400))
}

func TestCalculateWeight_SkipsUnknownIDs(t *testing.T) {
	q, err := NewQuorum(DefaultConfig(), fourAuthorities(100))
	require.NoError(t, err)

	weight := q.CalculateWeight([]AuthorityID{"auth1", "auth2", "ghost"})
	assert.Equal(t, uint64(200), weight)

	weight = q.CalculateWeight(nil)
	assert.Equal(t, uint64(0), weight)
}

func TestGetWeight(t *testing.T) {
	q, err := NewQuorum(DefaultConfig(), fourAuthorities(100))
	require.NoError(t, err)

	w, err := q.GetWeight("auth1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), w)

	_, err = q.GetWeight("ghost")
	assert.ErrorIs(t, err, ErrAuthorityNotFound)
}

func TestUpdateWeight_AdjustsTotalByDelta(t *testing.T) {
	q, err := NewQuorum(DefaultConfig(), fourAuthorities(100))
	require.NoError(t, err)

	require.NoError(t, q.UpdateWeight("auth1", 150))
	assert.Equal(t, uint64(450), q.TotalWeight())

	require.NoError(t, q.UpdateWeight("auth1", 50))
	assert.Equal(t, uint64(350), q.TotalWeight())

	err = q.UpdateWeight("ghost", 10)
	assert.ErrorIs(t, err, ErrAuthorityNotFound)
}

func TestUpdateWeight_DisabledWhenUnweighted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseWeights = false

	q, err := NewQuorum(cfg, fourAuthorities(100))
	require.NoError(t, err)

	// Unweighted mode counts heads, not weights
	assert.Equal(t, uint64(4), q.TotalWeight())

	err = q.UpdateWeight("auth1", 500)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMarkByzantine_DoesNotChangeTotalWeight(t *testing.T) {
	q, err := NewQuorum(DefaultConfig(), fourAuthorities(100))
	require.NoError(t, err)

	totalBefore := q.TotalWeight()
	require.NoError(t, q.MarkByzantine("auth2"))

	assert.Equal(t, totalBefore, q.TotalWeight())
	assert.Equal(t, 1, q.ByzantineCount())

	err = q.MarkByzantine("ghost")
	assert.ErrorIs(t, err, ErrAuthorityNotFound)
}

func TestFaultTolerance(t *testing.T) {
	// n=4 tolerates exactly one Byzantine authority
	q, err := NewQuorum(DefaultConfig(), fourAuthorities(100))
	require.NoError(t, err)

	assert.Equal(t, 1, q.MaxByzantineFaults())
	assert.True(t, q.IsFaultTolerant())

	require.NoError(t, q.MarkByzantine("auth1"))
	assert.True(t, q.IsFaultTolerant())

	require.NoError(t, q.MarkByzantine("auth2"))
	assert.False(t, q.IsFaultTolerant())

	assert.True(t, q.CanReachQuorum(1))
	assert.False(t, q.CanReachQuorum(2))
}
