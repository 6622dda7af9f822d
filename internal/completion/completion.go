// Package completion is the narrow contract to the natural-language completion
// service: a task name plus string inputs in, one JSON object out.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Task names a completion the reconciler can ask for.
type Task string

const (
	TaskAlignmentAnalysis Task = "alignment-analysis"
	TaskShareDraft        Task = "share-draft"
	TaskFeedbackRewrite   Task = "feedback-rewrite"
	TaskRefinementHelp    Task = "refinement-help"
)

// Valid reports whether t is a known task.
func (t Task) Valid() bool {
	switch t {
	case TaskAlignmentAnalysis, TaskShareDraft, TaskFeedbackRewrite, TaskRefinementHelp:
		return true
	}
	return false
}

// Input keys used across tasks.
const (
	InputGuess         = "guess"
	InputGroundTruth   = "ground_truth"
	InputSharedContext = "shared_context"
	InputTopic         = "topic"
	InputIntent        = "intent"
	InputAttempt       = "attempt"
	InputMessage       = "message"
	InputVerdict       = "verdict"
)

var (
	// ErrMalformedResponse is returned when a backend answers with something
	// that is not a single JSON object.
	ErrMalformedResponse = errors.New("malformed completion response")
	// ErrUnknownTask is returned for tasks a backend cannot serve.
	ErrUnknownTask = errors.New("unknown completion task")
)

// Request is a structured completion request.
type Request struct {
	Task   Task              `json:"task"`
	Inputs map[string]string `json:"inputs"`
}

// Client is implemented by every completion backend.
type Client interface {
	// Complete runs one task and returns the raw JSON object the service produced.
	// Callers validate the shape before acting on it.
	Complete(ctx context.Context, req Request) (json.RawMessage, error)

	// Close releases resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Provider     string
	GRPCAddr     string
	Model        string
	AnthropicKey string
	GeminiKey    string
	FixturesPath string
	Timeout      time.Duration
}

// New builds the backend named by cfg.Provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Provider {
	case "grpc":
		return NewGrpcClient(cfg.GRPCAddr, cfg.Timeout, logger)
	case "anthropic":
		return NewAnthropic(cfg.AnthropicKey, cfg.Model, cfg.Timeout)
	case "genai":
		return NewGenAI(ctx, cfg.GeminiKey, cfg.Model, cfg.Timeout)
	case "fixture":
		return LoadFixtures(cfg.FixturesPath)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// extractObject pulls the first JSON object out of model text. Models
// sometimes wrap JSON in prose or code fences.
func extractObject(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in %d bytes of output", ErrMalformedResponse, len(text))
	}
	raw := []byte(text[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return compact.Bytes(), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
