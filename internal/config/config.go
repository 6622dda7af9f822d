// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	AppEnv      string
	DBPath      string
	Storage     string

	Completion CompletionConfig
	Reconciler ReconcilerConfig
	Events     EventsConfig
	Auth       AuthConfig
}

// CompletionConfig selects and configures the completion backend.
type CompletionConfig struct {
	Provider     string
	GRPCAddr     string
	Model        string
	AnthropicKey string
	GeminiKey    string
	FixturesPath string
	Timeout      time.Duration
}

// ReconcilerConfig tunes the reconciliation engine.
type ReconcilerConfig struct {
	AnalyzerMaxRetries int
	MaxAnalysisRounds  int
	RevealPolicy       string
	StrictConsent      bool
	StaleAfter         time.Duration
	SweepInterval      time.Duration
}

// EventsConfig controls event delivery.
type EventsConfig struct {
	RedisAddr    string
	RedisChannel string
	ReplayBuffer int
	PollInterval time.Duration
	Keepalive    time.Duration
	RetryDelay   time.Duration
}

// AuthConfig controls how requests are attributed to users.
type AuthConfig struct {
	TrustUserHeader bool
	AllowAnonymous  bool
	// InternalToken, when set, must accompany calls to the internal routes.
	InternalToken string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		AppEnv:      getEnv("APP_ENV", ""),
		DBPath:      getEnv("DB_PATH", "./data/attune.db"),
		Storage:     strings.ToLower(getEnv("STORAGE_BACKEND", StorageSQLite)),
		Completion: CompletionConfig{
			Provider:     strings.ToLower(getEnv("COMPLETION_PROVIDER", "fixture")),
			GRPCAddr:     getEnv("COMPLETION_GRPC_ADDR", ""),
			Model:        getEnv("COMPLETION_MODEL", ""),
			AnthropicKey: getEnv("ANTHROPIC_API_KEY", ""),
			GeminiKey:    getEnv("GEMINI_API_KEY", ""),
			FixturesPath: getEnv("COMPLETION_FIXTURES", "./fixtures/completions.yaml"),
			Timeout:      getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
		},
		Reconciler: ReconcilerConfig{
			AnalyzerMaxRetries: getEnvInt("ANALYZER_MAX_RETRIES", 2),
			MaxAnalysisRounds:  getEnvInt("REFINEMENT_MAX_ANALYSIS_ROUNDS", 3),
			RevealPolicy:       strings.ToLower(getEnv("REVEAL_POLICY", "mutual")),
			StrictConsent:      getEnvBool("STRICT_CONSENT", false),
			StaleAfter:         getEnvDuration("ANALYSIS_STALE_AFTER", 5*time.Minute),
			SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		},
		Events: EventsConfig{
			RedisAddr:    getEnv("REDIS_ADDR", ""),
			RedisChannel: getEnv("REDIS_CHANNEL", "attune.events"),
			ReplayBuffer: getEnvInt("EVENT_REPLAY_BUFFER", 100),
			PollInterval: getEnvDuration("EVENT_POLL_INTERVAL", time.Second),
			Keepalive:    getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			RetryDelay:   getEnvDuration("SSE_RETRY", 5*time.Second),
		},
		Auth: AuthConfig{
			TrustUserHeader: getEnvBool("TRUST_USER_HEADER", true),
			AllowAnonymous:  getEnvBool("ALLOW_ANONYMOUS", false),
			InternalToken:   getEnv("INTERNAL_API_TOKEN", ""),
		},
	}

	// Consent violations panic in development unless configured otherwise.
	if _, ok := os.LookupEnv("STRICT_CONSENT"); !ok {
		cfg.Reconciler.StrictConsent = cfg.IsDevelopment()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // One check per setting reads best as a flat list.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	switch c.Storage {
	case StorageSQLite:
		if c.DBPath == "" {
			return errors.New("DB_PATH cannot be empty")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageSQLite, StorageMemory, c.Storage)
	}

	switch c.Completion.Provider {
	case "grpc":
		if c.Completion.GRPCAddr == "" {
			return errors.New("COMPLETION_GRPC_ADDR is required for the grpc provider")
		}
	case "anthropic":
		if c.Completion.AnthropicKey == "" {
			return errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	case "genai":
		if c.Completion.GeminiKey == "" {
			return errors.New("GEMINI_API_KEY is required for the genai provider")
		}
	case "fixture":
		if c.Completion.FixturesPath == "" {
			return errors.New("COMPLETION_FIXTURES is required for the fixture provider")
		}
	default:
		return fmt.Errorf("unknown COMPLETION_PROVIDER %q", c.Completion.Provider)
	}
	if c.Completion.Timeout <= 0 {
		return errors.New("COMPLETION_TIMEOUT must be > 0")
	}

	if c.Reconciler.AnalyzerMaxRetries < 0 {
		return errors.New("ANALYZER_MAX_RETRIES must be >= 0")
	}
	if c.Reconciler.MaxAnalysisRounds < 2 {
		// The initial analysis plus the guarded re-analysis need two rounds.
		return errors.New("REFINEMENT_MAX_ANALYSIS_ROUNDS must be >= 2")
	}
	switch c.Reconciler.RevealPolicy {
	case "mutual", "independent":
	default:
		return fmt.Errorf("REVEAL_POLICY must be mutual or independent, got %q", c.Reconciler.RevealPolicy)
	}
	if c.Reconciler.StaleAfter <= 0 || c.Reconciler.SweepInterval <= 0 {
		return errors.New("ANALYSIS_STALE_AFTER and SWEEP_INTERVAL must be > 0")
	}

	if c.Events.ReplayBuffer <= 0 {
		return errors.New("EVENT_REPLAY_BUFFER must be > 0")
	}
	if c.Events.PollInterval <= 0 || c.Events.Keepalive <= 0 || c.Events.RetryDelay <= 0 {
		return errors.New("EVENT_POLL_INTERVAL, SSE_KEEPALIVE and SSE_RETRY must be > 0")
	}
	if !c.Auth.TrustUserHeader && !c.Auth.AllowAnonymous {
		return errors.New("at least one of TRUST_USER_HEADER or ALLOW_ANONYMOUS must be enabled")
	}
	// Internal routes expose ground truth and drafts.
	if c.Auth.InternalToken == "" && !c.IsDevelopment() {
		return errors.New("INTERNAL_API_TOKEN is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
