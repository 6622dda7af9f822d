package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/ashureev/attune/internal/store"
)

var historyGuesser string

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the audit trail of a session's directions",
	Long: `Show every attempt, analysis result, share offer and verdict recorded
for a session. With --guesser only that guesser's direction is shown.

Examples:
  attunectl history s-42
  attunectl history s-42 --guesser alice --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session := url.PathEscape(args[0])
		path := "/internal/sessions/" + session + "/history"
		if historyGuesser != "" {
			path = "/internal/sessions/" + session + "/directions/" + url.PathEscape(historyGuesser) + "/history"
		}
		out, err := call(cmd.Context(), http.MethodGet, path)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Restart analyses stuck past the stale threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), http.MethodPost, "/internal/sweep")
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out)
	},
}

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Show guard, breaker and consent anomaly counts since server start",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := call(cmd.Context(), http.MethodGet, "/internal/anomalies")
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out)
	},
}

var outboxLimit int

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List undelivered events straight from the SQLite outbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		repo, err := store.NewSQLite(dbPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer func() { _ = repo.Close() }()

		pending, err := repo.PendingEvents(cmd.Context(), outboxLimit)
		if err != nil {
			return err
		}
		type row struct {
			Seq       int64  `yaml:"seq" json:"seq"`
			Event     string `yaml:"event" json:"event"`
			Session   string `yaml:"session_id" json:"session_id"`
			Guesser   string `yaml:"guesser_id" json:"guesser_id"`
			Audience  string `yaml:"audience" json:"audience"`
			Recipient string `yaml:"recipient_id,omitempty" json:"recipient_id,omitempty"`
			CreatedAt string `yaml:"created_at" json:"created_at"`
		}
		rows := make([]row, 0, len(pending))
		for _, e := range pending {
			rows = append(rows, row{
				Seq:       e.Seq,
				Event:     string(e.Kind),
				Session:   e.SessionID,
				Guesser:   e.GuesserID,
				Audience:  string(e.Audience),
				Recipient: e.RecipientID,
				CreatedAt: e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
			})
		}
		return render(cmd.OutOrStdout(), map[string]any{"pending": rows, "count": len(rows)})
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyGuesser, "guesser", "", "Only show this guesser's direction")
	outboxCmd.Flags().IntVar(&outboxLimit, "limit", 100, "Maximum number of events to list")

	rootCmd.AddCommand(historyCmd, sweepCmd, anomaliesCmd, outboxCmd)
}
