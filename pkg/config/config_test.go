package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft_trust_engine/pkg/consensus"
	"bft_trust_engine/pkg/quorum"
)

func validConfig() *Config {
	return &Config{
		Environment: "test",
		LogLevel:    "info",
		Quorum: quorum.Config{
			Threshold:      0.67,
			MinAuthorities: 4,
			MaxFaults:      1,
			UseWeights:     true,
		},
		Consensus: consensus.Config{
			FaultTolerance: 1,
			Threshold:      0.67,
			UseWeights:     true,
			RoundTimeout:   30 * time.Second,
		},
		Trust: TrustConfig{
			MaxChainDepth: 10,
			CacheSize:     1024,
			CacheTTL:      time.Hour,
		},
		Recovery: RecoveryConfig{
			CheckInterval:  30 * time.Second,
			StaleThreshold: 2 * time.Minute,
			MaxRetries:     3,
			RetryDelay:     5 * time.Second,
			AutoRecover:    true,
			Action:         "restart",
		},
		Registry: RegistryConfig{
			MinReputation: 0.5,
			TokenExpiry:   24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			MaxConcurrent:           10,
			WatchdogSchedule:        "@every 1m",
			ReputationDecaySchedule: "@hourly",
		},
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := []byte(`
environment: production
log_level: debug
quorum:
  threshold: 0.75
  min_authorities: 7
  max_faults: 2
consensus:
  fault_tolerance: 2
  round_timeout: 1m
recovery:
  max_retries: 5
`)

	err := os.WriteFile(configPath, configContent, 0644)
	require.NoError(t, err)

	t.Run("LoadValidConfig", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 0.75, cfg.Quorum.Threshold)
		assert.Equal(t, 7, cfg.Quorum.MinAuthorities)
		assert.Equal(t, 2, cfg.Consensus.FaultTolerance)
		assert.Equal(t, time.Minute, cfg.Consensus.RoundTimeout)
		assert.Equal(t, 5, cfg.Recovery.MaxRetries)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		os.Setenv("TRUST_LOG_LEVEL", "error")
		defer os.Unsetenv("TRUST_LOG_LEVEL")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		invalidPath := filepath.Join(tmpDir, "invalid.yaml")
		err := os.WriteFile(invalidPath, []byte("invalid: [yaml: syntax"), 0644)
		require.NoError(t, err)

		cfg, err := Load(invalidPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("DefaultValues", func(t *testing.T) {
		cfg, err := Load(filepath.Join(tmpDir, "nonexistent.yaml"))
		require.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 0.67, cfg.Quorum.Threshold)
		assert.Equal(t, 4, cfg.Quorum.MinAuthorities)
		assert.Equal(t, 10, cfg.Trust.MaxChainDepth)
		assert.True(t, cfg.Recovery.AutoRecover)
		assert.Equal(t, "@hourly", cfg.Maintenance.ReputationDecaySchedule)
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name         string
		modifyConfig func(*Config)
		wantErr      bool
		errSubstr    string
	}{
		{
			name:         "ValidConfig",
			modifyConfig: func(c *Config) {},
			wantErr:      false,
		},
		{
			name: "ThresholdTooLow",
			modifyConfig: func(c *Config) {
				c.Quorum.Threshold = 0.4
			},
			wantErr:   true,
			errSubstr: "quorum config",
		},
		{
			name: "PoolTooSmallForFaults",
			modifyConfig: func(c *Config) {
				c.Quorum.MinAuthorities = 3
				c.Quorum.MaxFaults = 1
			},
			wantErr:   true,
			errSubstr: "quorum config",
		},
		{
			name: "NegativeFaultTolerance",
			modifyConfig: func(c *Config) {
				c.Consensus.FaultTolerance = -1
			},
			wantErr:   true,
			errSubstr: "fault_tolerance",
		},
		{
			name: "ZeroChainDepth",
			modifyConfig: func(c *Config) {
				c.Trust.MaxChainDepth = 0
			},
			wantErr:   true,
			errSubstr: "max_chain_depth",
		},
		{
			name: "NegativeRetries",
			modifyConfig: func(c *Config) {
				c.Recovery.MaxRetries = -1
			},
			wantErr:   true,
			errSubstr: "max_retries",
		},
		{
			name: "UnknownRecoveryAction",
			modifyConfig: func(c *Config) {
				c.Recovery.Action = "reboot"
			},
			wantErr:   true,
			errSubstr: "restart or notify",
		},
		{
			name: "ReputationOutOfRange",
			modifyConfig: func(c *Config) {
				c.Registry.MinReputation = 1.5
			},
			wantErr:   true,
			errSubstr: "min_reputation",
		},
		{
			name: "EmptyWatchdogSchedule",
			modifyConfig: func(c *Config) {
				c.Maintenance.WatchdogSchedule = ""
			},
			wantErr:   true,
			errSubstr: "watchdog_schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modifyConfig(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errSubstr != "" {
					assert.Contains(t, err.Error(), tt.errSubstr)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  string
		wantLevel string
	}{
		{name: "Debug", logLevel: "debug", wantLevel: "debug"},
		{name: "Info", logLevel: "info", wantLevel: "info"},
		{name: "Warn", logLevel: "warn", wantLevel: "warn"},
		{name: "Error", logLevel: "error", wantLevel: "error"},
		{name: "Invalid", logLevel: "invalid", wantLevel: "info"},
		{name: "Empty", logLevel: "", wantLevel: "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}
			level := cfg.GetLogLevel()
			assert.Equal(t, tt.wantLevel, level.String())
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, (&Config{Environment: "development"}).IsDevelopment())
	assert.True(t, (&Config{Environment: "DEVELOPMENT"}).IsDevelopment())
	assert.False(t, (&Config{Environment: "production"}).IsDevelopment())
	assert.False(t, (&Config{Environment: ""}).IsDevelopment())
}

func TestKeyFilePathIsCleaned(t *testing.T) {
	cfg := validConfig()
	cfg.Registry.KeyFile = "keys/../keys/private.key"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Clean("keys/../keys/private.key"), cfg.Registry.KeyFile)
}
