package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"bft_trust_engine/pkg/consensus"
	"bft_trust_engine/pkg/quorum"
)

// Config holds all configuration settings for the engine
type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Quorum      quorum.Config     `mapstructure:"quorum"`
	Consensus   consensus.Config  `mapstructure:"consensus"`
	Trust       TrustConfig       `mapstructure:"trust"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// TrustConfig holds certificate chain validation settings
type TrustConfig struct {
	MaxChainDepth int           `mapstructure:"max_chain_depth"`
	CacheSize     int           `mapstructure:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// RecoveryConfig holds agent supervision settings
type RecoveryConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	AutoRecover    bool          `mapstructure:"auto_recover"`
	Action         string        `mapstructure:"action"`
}

// RegistryConfig holds validator directory settings
type RegistryConfig struct {
	MinReputation float64       `mapstructure:"min_reputation"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	KeyFile       string        `mapstructure:"key_file"`
}

// MaintenanceConfig holds scheduled maintenance settings
type MaintenanceConfig struct {
	MaxConcurrent           int    `mapstructure:"max_concurrent"`
	WatchdogSchedule        string `mapstructure:"watchdog_schedule"`
	ReputationDecaySchedule string `mapstructure:"reputation_decay_schedule"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	v.SetEnvPrefix("TRUST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Quorum defaults
	v.SetDefault("quorum.threshold", 0.67)
	v.SetDefault("quorum.min_authorities", 4)
	v.SetDefault("quorum.max_faults", 1)
	v.SetDefault("quorum.use_weights", true)

	// Consensus defaults
	v.SetDefault("consensus.fault_tolerance", 1)
	v.SetDefault("consensus.threshold", 0.67)
	v.SetDefault("consensus.use_weights", true)
	v.SetDefault("consensus.round_timeout", "30s")

	// Trust defaults
	v.SetDefault("trust.max_chain_depth", 10)
	v.SetDefault("trust.cache_size", 1024)
	v.SetDefault("trust.cache_ttl", "1h")

	// Recovery defaults
	v.SetDefault("recovery.check_interval", "30s")
	v.SetDefault("recovery.stale_threshold", "2m")
	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.retry_delay", "5s")
	v.SetDefault("recovery.auto_recover", true)
	v.SetDefault("recovery.action", "restart")

	// Registry defaults
	v.SetDefault("registry.min_reputation", 0.5)
	v.SetDefault("registry.token_expiry", "24h")

	// Maintenance defaults
	v.SetDefault("maintenance.max_concurrent", 10)
	v.SetDefault("maintenance.watchdog_schedule", "@every 1m")
	v.SetDefault("maintenance.reputation_decay_schedule", "@hourly")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Quorum.Validate(); err != nil {
		return fmt.Errorf("quorum config: %w", err)
	}
	if err := c.validateConsensus(); err != nil {
		return fmt.Errorf("consensus config: %w", err)
	}
	if err := c.validateTrust(); err != nil {
		return fmt.Errorf("trust config: %w", err)
	}
	if err := c.validateRecovery(); err != nil {
		return fmt.Errorf("recovery config: %w", err)
	}
	if err := c.validateRegistry(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}
	if err := c.validateMaintenance(); err != nil {
		return fmt.Errorf("maintenance config: %w", err)
	}
	return nil
}

func (c *Config) validateConsensus() error {
	if c.Consensus.FaultTolerance < 0 {
		return fmt.Errorf("fault_tolerance cannot be negative")
	}
	if c.Consensus.Threshold <= 0.5 || c.Consensus.Threshold > 1 {
		return fmt.Errorf("threshold must be above 0.5 and at most 1")
	}
	if c.Consensus.RoundTimeout < 0 {
		return fmt.Errorf("round_timeout cannot be negative")
	}
	return nil
}

func (c *Config) validateTrust() error {
	if c.Trust.MaxChainDepth <= 0 {
		return fmt.Errorf("max_chain_depth must be positive")
	}
	if c.Trust.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive")
	}
	if c.Trust.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	return nil
}

func (c *Config) validateRecovery() error {
	if c.Recovery.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.Recovery.StaleThreshold <= 0 {
		return fmt.Errorf("stale_threshold must be positive")
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.Recovery.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative")
	}
	if c.Recovery.Action != "restart" && c.Recovery.Action != "notify" {
		return fmt.Errorf("action must be restart or notify, got %q", c.Recovery.Action)
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if c.Registry.MinReputation < 0 || c.Registry.MinReputation > 1 {
		return fmt.Errorf("min_reputation must be between 0 and 1")
	}
	if c.Registry.TokenExpiry <= 0 {
		return fmt.Errorf("token_expiry must be positive")
	}
	if c.Registry.KeyFile != "" {
		if !filepath.IsAbs(c.Registry.KeyFile) {
			c.Registry.KeyFile = filepath.Clean(c.Registry.KeyFile)
		}
	}
	return nil
}

func (c *Config) validateMaintenance() error {
	if c.Maintenance.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.Maintenance.WatchdogSchedule == "" {
		return fmt.Errorf("watchdog_schedule cannot be empty")
	}
	if c.Maintenance.ReputationDecaySchedule == "" {
		return fmt.Errorf("reputation_decay_schedule cannot be empty")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
