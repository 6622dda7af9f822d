package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicClient serves completions through the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropic creates a client. An empty model selects the default.
func NewAnthropic(apiKey, model string, timeout time.Duration) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 1024,
		timeout:   timeout,
	}, nil
}

// Complete renders the task prompt and extracts the JSON object from the reply.
func (a *AnthropicClient) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, a.timeout)
	defer cancel()

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic %s: %w", req.Task, err)
	}

	if len(message.Content) == 0 {
		return nil, fmt.Errorf("%w: no content blocks", ErrMalformedResponse)
	}
	content := message.Content[0]
	if content.Type != "text" {
		return nil, fmt.Errorf("%w: not a text block (type=%s)", ErrMalformedResponse, content.Type)
	}
	return extractObject(content.Text)
}

// Close is a no-op; the SDK client holds no long-lived resources.
func (a *AnthropicClient) Close() error { return nil }
