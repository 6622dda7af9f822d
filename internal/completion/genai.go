package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GenAIClient serves completions through the Gemini API.
type GenAIClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAI creates a Gemini client. An empty model selects the default.
func NewGenAI(ctx context.Context, apiKey, model string, timeout time.Duration) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required for the genai provider")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAIClient{client: client, model: model, timeout: timeout}, nil
}

// Complete renders the task prompt and asks for a JSON response.
func (g *GenAIClient) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()

	temp := float32(0.2)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   2048,
		ResponseMIMEType:  "application/json",
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	res, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai %s: %w", req.Task, err)
	}

	text := res.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	return extractObject(text)
}

// Close is a no-op.
func (g *GenAIClient) Close() error { return nil }
