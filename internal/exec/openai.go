package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var _ Executor = (*OpenAI)(nil)

// OpenAI executes payloads against an OpenAI-compatible chat
// completion endpoint. A custom base URL points it at compatible
// providers.
type OpenAI struct {
	client *openai.Client
	model  string
}

// OpenAIConfig contains configuration for creating an OpenAI executor.
type OpenAIConfig struct {
	// APIKey authenticates requests.
	APIKey string
	// Model is the model to use; empty picks gpt-4o-mini.
	Model string
	// BaseURL optionally overrides the API endpoint.
	BaseURL string
}

// NewOpenAI creates an OpenAI executor.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// Execute sends the payload as a single user message. Confidence
// mirrors the finish reason: a natural stop scores 0.9, anything else
// scores 0.6.
func (o *OpenAI) Execute(ctx context.Context, req Request) (*Result, error) {
	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return nil, Permanent(errors.New("empty payload"))
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: taskSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: payload},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	choice := resp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, errors.New("empty completion")
	}

	confidence := 0.9
	if choice.FinishReason != openai.FinishReasonStop {
		confidence = 0.6
	}

	return &Result{Content: content, Confidence: confidence}, nil
}
