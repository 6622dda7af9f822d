// Command attunectl inspects and nudges a running attune server.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	serverURL   string
	token       string
	dbPath      string
	jsonOutput  bool
	httpTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "attunectl",
	Short:         "Operator tool for the attune reconciler",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ATTUNE_URL", "http://localhost:8080"), "Base URL of the attune server")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("INTERNAL_API_TOKEN"), "Internal API token")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOr("DB_PATH", "./data/attune.db"), "SQLite database path (outbox command)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format instead of YAML")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "timeout", 30*time.Second, "HTTP request timeout")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// render writes v as YAML, or as indented JSON with --json.
func render(w io.Writer, v any) error {
	if jsonOutput {
		return writeJSON(w, v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
