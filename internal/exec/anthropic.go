package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

var _ Executor = (*Anthropic)(nil)

// taskSystemPrompt frames a payload as one self-contained subtask.
const taskSystemPrompt = "You are resolving one subtask of a larger decomposed query. " +
	"Answer the subtask directly and completely, in plain text, without referring to other subtasks."

// Anthropic executes payloads against the Anthropic Messages API,
// either directly or through AWS Bedrock.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

// AnthropicConfig contains configuration for creating an Anthropic executor.
type AnthropicConfig struct {
	// Model is the model to use; empty picks a current Sonnet.
	Model string
	// APIKey is the Anthropic API key. If empty, the ANTHROPIC_API_KEY
	// environment variable is used.
	APIKey string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name.
	AWSProfile string
}

// NewAnthropic creates an Anthropic executor.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// Execute sends the payload as a single user message and collects the
// text blocks of the response. Confidence reflects how the model
// stopped: a natural end of turn scores 0.9, anything else (token
// limit, refusal stop) scores 0.6 since the text may be cut short.
func (a *Anthropic) Execute(ctx context.Context, req Request) (*Result, error) {
	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return nil, Permanent(errors.New("empty payload"))
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: taskSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(payload)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("messages API: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		return nil, errors.New("response contained no text")
	}

	confidence := 0.9
	if resp.StopReason != anthropic.StopReasonEndTurn {
		confidence = 0.6
	}

	return &Result{Content: content, Confidence: confidence}, nil
}

// translateModelForBedrock converts standard model names to Bedrock
// cross-region inference profile format. Unknown names pass through
// unchanged, since they may already be in Bedrock format.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}
