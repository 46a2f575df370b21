// Package config handles configuration loading and management for fathom.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"fathom/pkg/models"
)

// Config holds all configuration for fathom.
type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Store       StoreConfig       `mapstructure:"store"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Classifier  ClassifierConfig  `mapstructure:"classifier"`
	Tiers       TierConfigs       `mapstructure:"tiers"`
}

// ExecutorConfig selects and configures the worker executor backend.
type ExecutorConfig struct {
	// Kind is the executor backend: local, anthropic, or openai.
	Kind string `mapstructure:"kind"`
	// Model is the model identifier for remote backends.
	Model string `mapstructure:"model"`
	// AnthropicAPIKey authenticates the anthropic backend.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	// OpenAIAPIKey authenticates the openai backend.
	OpenAIAPIKey string `mapstructure:"openai_api_key"`
	// BaseURL optionally points the openai backend at a compatible
	// endpoint (OpenRouter, a local proxy, etc).
	BaseURL string `mapstructure:"base_url"`
	// UseAWSBedrock routes anthropic calls through AWS Bedrock.
	UseAWSBedrock bool `mapstructure:"use_aws_bedrock"`
	// AWSRegion is the Bedrock region (e.g. "us-west-2").
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS profile name.
	AWSProfile string `mapstructure:"aws_profile"`
}

// StoreConfig selects and configures the checkpoint store backend.
type StoreConfig struct {
	// Backend is the store backend: sqlite, file, or memory.
	Backend string `mapstructure:"backend"`
	// Path is the sqlite database file; empty means <data_dir>/checkpoints.db.
	Path string `mapstructure:"path"`
	// BaseURL is the file backend location; empty means <data_dir>/checkpoints.
	BaseURL string `mapstructure:"base_url"`
	// WriteRetries is how many times a failed checkpoint write is
	// retried before the run is marked crashed.
	WriteRetries int `mapstructure:"write_retries"`
}

// AggregationConfig holds the confidence propagation parameters. These
// are product parameters, kept out of the aggregation code itself.
type AggregationConfig struct {
	// DecayFactor attenuates confidence once per decomposition level.
	DecayFactor float64 `mapstructure:"decay_factor"`
	// DegradedPenalty scales a degraded child's confidence before it
	// enters the parent combination.
	DegradedPenalty float64 `mapstructure:"degraded_penalty"`
	// FailureFloor is the confidence assigned to a node when more than
	// FailureFraction of its direct children failed.
	FailureFloor float64 `mapstructure:"failure_floor"`
	// FailureFraction is the failed-children fraction that triggers the floor.
	FailureFraction float64 `mapstructure:"failure_fraction"`
}

// PoolConfig holds worker pool behavior shared across tiers.
type PoolConfig struct {
	// GracePeriod is how long in-flight workers may finish after a
	// cancellation before their nodes are marked failed.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// RetryBaseDelay is the first retry backoff step.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// ClassifierConfig holds effort classifier settings.
type ClassifierConfig struct {
	// RulesFile optionally overrides the built-in classification rules
	// with a YAML file.
	RulesFile string `mapstructure:"rules_file"`
}

// TierConfig holds the decomposition and scheduling budget for one tier.
type TierConfig struct {
	// Tier is the tier name (simple, moderate, complex).
	Tier string `mapstructure:"tier"`
	// MaxDepth is the maximum decomposition depth below the root.
	MaxDepth int `mapstructure:"max_depth"`
	// MaxWidth is the maximum number of children per node.
	MaxWidth int `mapstructure:"max_width"`
	// MaxParallel is the worker pool size for the run.
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxAttempts is the per-node attempt budget.
	MaxAttempts int `mapstructure:"max_attempts"`
	// AttemptTimeout bounds one executor call.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// RunTimeout bounds the whole run; zero means no limit.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// TierConfigs holds the configuration for all three tiers.
type TierConfigs struct {
	Simple   *TierConfig `mapstructure:"simple"`
	Moderate *TierConfig `mapstructure:"moderate"`
	Complex  *TierConfig `mapstructure:"complex"`
}

// Get returns the tier config for the given tier. Unknown tiers fall
// back to moderate, and a missing entry falls back to the defaults, so
// callers always get usable limits.
func (tc *TierConfigs) Get(tier models.EffortTier) *TierConfig {
	var cfg *TierConfig
	switch tier {
	case models.TierSimple:
		cfg = tc.Simple
	case models.TierModerate:
		cfg = tc.Moderate
	case models.TierComplex:
		cfg = tc.Complex
	default:
		cfg = tc.Moderate
	}
	if cfg == nil {
		return DefaultTierConfigs().Get(tier)
	}
	return cfg
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
//  1. Environment variables (ANTHROPIC_API_KEY, OPENAI_API_KEY, FATHOM_DATA_DIR)
//  2. Project config (.fathom.yaml in current directory or parent)
//  3. User config (~/.config/fathom/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()

	v.BindEnv("executor.anthropic_api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("executor.openai_api_key", "OPENAI_API_KEY")
	v.BindEnv("data_dir", "FATHOM_DATA_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Executor.AnthropicAPIKey = expandEnv(cfg.Executor.AnthropicAPIKey)
	cfg.Executor.OpenAIAPIKey = expandEnv(cfg.Executor.OpenAIAPIKey)
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Executor.AnthropicAPIKey = expandEnv(cfg.Executor.AnthropicAPIKey)
	cfg.Executor.OpenAIAPIKey = expandEnv(cfg.Executor.OpenAIAPIKey)
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("data_dir", cfg.DataDir)
	v.Set("executor.kind", cfg.Executor.Kind)
	v.Set("executor.model", cfg.Executor.Model)
	v.Set("store.backend", cfg.Store.Backend)
	v.Set("store.write_retries", cfg.Store.WriteRetries)
	v.Set("aggregation.decay_factor", cfg.Aggregation.DecayFactor)
	v.Set("aggregation.degraded_penalty", cfg.Aggregation.DegradedPenalty)
	v.Set("aggregation.failure_floor", cfg.Aggregation.FailureFloor)
	v.Set("aggregation.failure_fraction", cfg.Aggregation.FailureFraction)
	v.Set("pool.grace_period", cfg.Pool.GracePeriod.String())
	v.Set("pool.retry_base_delay", cfg.Pool.RetryBaseDelay.String())
	v.Set("pool.retry_max_delay", cfg.Pool.RetryMaxDelay.String())

	for name, tier := range map[string]*TierConfig{
		"simple":   cfg.Tiers.Simple,
		"moderate": cfg.Tiers.Moderate,
		"complex":  cfg.Tiers.Complex,
	} {
		if tier == nil {
			continue
		}
		v.Set("tiers."+name+".max_depth", tier.MaxDepth)
		v.Set("tiers."+name+".max_width", tier.MaxWidth)
		v.Set("tiers."+name+".max_parallel", tier.MaxParallel)
		v.Set("tiers."+name+".max_attempts", tier.MaxAttempts)
		v.Set("tiers."+name+".attempt_timeout", tier.AttemptTimeout.String())
		v.Set("tiers."+name+".run_timeout", tier.RunTimeout.String())
	}

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")

	v.SetDefault("executor.kind", "local")
	v.SetDefault("executor.model", "")
	v.SetDefault("executor.anthropic_api_key", "")
	v.SetDefault("executor.openai_api_key", "")
	v.SetDefault("executor.base_url", "")
	v.SetDefault("executor.use_aws_bedrock", false)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.base_url", "")
	v.SetDefault("store.write_retries", 3)

	v.SetDefault("aggregation.decay_factor", 0.9)
	v.SetDefault("aggregation.degraded_penalty", 0.75)
	v.SetDefault("aggregation.failure_floor", 0.1)
	v.SetDefault("aggregation.failure_fraction", 0.5)

	v.SetDefault("pool.grace_period", "5s")
	v.SetDefault("pool.retry_base_delay", "500ms")
	v.SetDefault("pool.retry_max_delay", "30s")

	v.SetDefault("classifier.rules_file", "")

	v.SetDefault("tiers.simple.max_depth", 1)
	v.SetDefault("tiers.simple.max_width", 2)
	v.SetDefault("tiers.simple.max_parallel", 2)
	v.SetDefault("tiers.simple.max_attempts", 2)
	v.SetDefault("tiers.simple.attempt_timeout", "30s")
	v.SetDefault("tiers.simple.run_timeout", "2m")

	v.SetDefault("tiers.moderate.max_depth", 2)
	v.SetDefault("tiers.moderate.max_width", 3)
	v.SetDefault("tiers.moderate.max_parallel", 3)
	v.SetDefault("tiers.moderate.max_attempts", 2)
	v.SetDefault("tiers.moderate.attempt_timeout", "60s")
	v.SetDefault("tiers.moderate.run_timeout", "5m")

	v.SetDefault("tiers.complex.max_depth", 3)
	v.SetDefault("tiers.complex.max_width", 4)
	v.SetDefault("tiers.complex.max_parallel", 5)
	v.SetDefault("tiers.complex.max_attempts", 3)
	v.SetDefault("tiers.complex.attempt_timeout", "120s")
	v.SetDefault("tiers.complex.run_timeout", "15m")
}

// getUserConfigDir returns the XDG config directory for fathom.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fathom")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "fathom")
	}
	return filepath.Join(home, ".config", "fathom")
}

// DefaultDataDir returns the XDG data directory for fathom, where the
// checkpoint database and run signal files live.
func DefaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "fathom")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".fathom")
	}
	return filepath.Join(home, ".local", "share", "fathom")
}

// findProjectConfig searches for .fathom.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".fathom.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Executor: ExecutorConfig{
			Kind: "local",
		},
		Store: StoreConfig{
			Backend:      "sqlite",
			WriteRetries: 3,
		},
		Aggregation: AggregationConfig{
			DecayFactor:     0.9,
			DegradedPenalty: 0.75,
			FailureFloor:    0.1,
			FailureFraction: 0.5,
		},
		Pool: PoolConfig{
			GracePeriod:    5 * time.Second,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  30 * time.Second,
		},
		Tiers: *DefaultTierConfigs(),
	}
}

// DefaultTierConfigs returns hardcoded default tier configurations.
// This is used as a fallback when no configuration file is available.
func DefaultTierConfigs() *TierConfigs {
	return &TierConfigs{
		Simple: &TierConfig{
			Tier:           "simple",
			MaxDepth:       1,
			MaxWidth:       2,
			MaxParallel:    2,
			MaxAttempts:    2,
			AttemptTimeout: 30 * time.Second,
			RunTimeout:     2 * time.Minute,
		},
		Moderate: &TierConfig{
			Tier:           "moderate",
			MaxDepth:       2,
			MaxWidth:       3,
			MaxParallel:    3,
			MaxAttempts:    2,
			AttemptTimeout: 60 * time.Second,
			RunTimeout:     5 * time.Minute,
		},
		Complex: &TierConfig{
			Tier:           "complex",
			MaxDepth:       3,
			MaxWidth:       4,
			MaxParallel:    5,
			MaxAttempts:    3,
			AttemptTimeout: 120 * time.Second,
			RunTimeout:     15 * time.Minute,
		},
	}
}
