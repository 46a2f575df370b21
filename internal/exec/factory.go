package exec

import (
	"fmt"

	"fathom/internal/config"
)

// New builds the executor selected by the configuration. An empty kind
// means local, so a bare install works with no keys at all.
func New(cfg config.ExecutorConfig) (Executor, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocal(), nil
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			Model:         cfg.Model,
			APIKey:        cfg.AnthropicAPIKey,
			UseAWSBedrock: cfg.UseAWSBedrock,
			AWSRegion:     cfg.AWSRegion,
			AWSProfile:    cfg.AWSProfile,
		})
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}
