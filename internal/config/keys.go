package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured for the
// selected executor backend.
var ErrNoAPIKey = errors.New("no API key configured")

// Provider identifies a remote executor backend that authenticates
// with an API key.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// EnvVar returns the environment variable the provider's key is read from.
func (p Provider) EnvVar() string {
	if p == ProviderOpenAI {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

// RequiredProvider returns the provider the configured executor needs
// a key for. The local executor and Bedrock-routed Anthropic calls
// (which use AWS credentials) need none.
func RequiredProvider(cfg *Config) (Provider, bool) {
	if cfg == nil {
		return "", false
	}
	switch cfg.Executor.Kind {
	case "anthropic":
		if cfg.Executor.UseAWSBedrock {
			return "", false
		}
		return ProviderAnthropic, true
	case "openai":
		return ProviderOpenAI, true
	default:
		return "", false
	}
}

// GetAPIKey returns the provider's API key.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config, p Provider) (string, error) {
	if key := os.Getenv(p.EnvVar()); key != "" {
		return key, nil
	}

	if key := configuredKey(cfg, p); key != "" {
		return key, nil
	}

	return "", fmt.Errorf("%w for %s (set %s)", ErrNoAPIKey, p, p.EnvVar())
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with the provider.
func ValidateAPIKey(p Provider, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	switch p {
	case ProviderAnthropic:
		// Anthropic API keys start with "sk-ant-"
		if !strings.HasPrefix(key, "sk-ant-") {
			return errors.New("invalid API key format: expected 'sk-ant-' prefix")
		}
	case ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return errors.New("invalid API key format: expected 'sk-' prefix")
		}
	}

	// Keys should be reasonably long
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}

	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the provider's API key was sourced from.
func GetAPIKeySource(cfg *Config, p Provider) KeySource {
	if os.Getenv(p.EnvVar()) != "" {
		return KeySourceEnv
	}

	if configuredKey(cfg, p) != "" {
		return KeySourceConfig
	}

	return KeySourceNone
}

// configuredKey reads the provider's key from the executor section,
// expanding any ${VAR} reference that survived loading.
func configuredKey(cfg *Config, p Provider) string {
	if cfg == nil {
		return ""
	}

	var raw string
	switch p {
	case ProviderAnthropic:
		raw = cfg.Executor.AnthropicAPIKey
	case ProviderOpenAI:
		raw = cfg.Executor.OpenAIAPIKey
	}
	if raw == "" {
		return ""
	}

	key := os.ExpandEnv(raw)
	if key == "" || strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}
