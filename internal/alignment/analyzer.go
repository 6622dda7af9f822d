// Package alignment compares an empathy guess against the subject's ground
// truth and turns the gap into a reconciler action.
package alignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashureev/attune/internal/completion"
	"github.com/ashureev/attune/internal/domain"
)

var (
	// ErrInvalidInput is returned when either text is empty.
	ErrInvalidInput = errors.New("analysis requires a finalized guess and ground truth")
	// ErrAnalysisFailed matches every *AnalysisError.
	ErrAnalysisFailed = errors.New("analysis failed")
	// errMalformed marks a response that failed shape validation.
	errMalformed = errors.New("malformed analysis")
)

// AnalysisError reports that the retry budget was spent without a usable analysis.
type AnalysisError struct {
	Attempts int
	Cause    error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *AnalysisError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrAnalysisFailed) hold for any AnalysisError.
func (e *AnalysisError) Is(target error) bool { return target == ErrAnalysisFailed }

// Options configures an Analyzer.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
}

// Analyzer runs alignment analysis through the completion service.
type Analyzer struct {
	client     completion.Client
	maxRetries int
	initial    time.Duration
	logger     *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(client completion.Client, opts Options, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	return &Analyzer{
		client:     client,
		maxRetries: opts.MaxRetries,
		initial:    opts.InitialInterval,
		logger:     logger,
	}
}

// Analyze compares guess with groundTruth. sharedContext is any content the
// subject already chose to share and may be empty.
//
// Completion errors and malformed responses are retried within the budget;
// once it is spent the returned error is an *AnalysisError.
func (a *Analyzer) Analyze(ctx context.Context, guess, groundTruth, sharedContext string) (domain.Analysis, error) {
	if strings.TrimSpace(guess) == "" || strings.TrimSpace(groundTruth) == "" {
		return domain.Analysis{}, ErrInvalidInput
	}

	req := completion.Request{
		Task: completion.TaskAlignmentAnalysis,
		Inputs: map[string]string{
			completion.InputGuess:       guess,
			completion.InputGroundTruth: groundTruth,
		},
	}
	if sharedContext != "" {
		req.Inputs[completion.InputSharedContext] = sharedContext
	}

	var (
		result   domain.Analysis
		attempts int
	)
	op := func() error {
		attempts++
		raw, err := a.client.Complete(ctx, req)
		if err != nil {
			a.logger.Warn("alignment completion failed", "attempt", attempts, "error", err)
			return err
		}
		parsed, err := ParseAnalysis(raw)
		if err != nil {
			a.logger.Warn("alignment response rejected", "attempt", attempts, "error", err)
			return err
		}
		result = parsed
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(a.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return domain.Analysis{}, &AnalysisError{Attempts: attempts, Cause: err}
	}
	return result, nil
}

type wireRecommendation struct {
	Action              string `json:"action"`
	Rationale           string `json:"rationale"`
	SuggestedShareFocus string `json:"suggested_share_focus"`
}

type wireAnalysis struct {
	Score            *float64            `json:"score"`
	GapSeverity      string              `json:"gap_severity"`
	MissedFeelings   []string            `json:"missed_feelings"`
	MostImportantGap string              `json:"most_important_gap"`
	Recommendation   *wireRecommendation `json:"recommendation"`
}

// ParseAnalysis validates a raw alignment-analysis response.
func ParseAnalysis(raw json.RawMessage) (domain.Analysis, error) {
	var w wireAnalysis
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Analysis{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if w.Score == nil {
		return domain.Analysis{}, fmt.Errorf("%w: missing score", errMalformed)
	}
	score := math.Round(*w.Score)
	if score < 0 || score > 100 {
		return domain.Analysis{}, fmt.Errorf("%w: score %v out of range", errMalformed, *w.Score)
	}
	severity, err := domain.ParseSeverity(strings.ToLower(strings.TrimSpace(w.GapSeverity)))
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if w.Recommendation == nil {
		return domain.Analysis{}, fmt.Errorf("%w: missing recommendation", errMalformed)
	}
	action, err := domain.ParseAction(strings.ToUpper(strings.TrimSpace(w.Recommendation.Action)))
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if severity == domain.SeverityNone && action.OffersSharing() {
		return domain.Analysis{}, fmt.Errorf("%w: no gap but %s recommended", errMalformed, action)
	}

	focus := strings.TrimSpace(w.Recommendation.SuggestedShareFocus)
	gap := strings.TrimSpace(w.MostImportantGap)
	if severity != domain.SeverityNone && focus == "" {
		focus = gap
		if focus == "" {
			return domain.Analysis{}, fmt.Errorf("%w: %s gap without a share focus", errMalformed, severity)
		}
	}

	feelings := make([]string, 0, len(w.MissedFeelings))
	for _, f := range w.MissedFeelings {
		if f = strings.TrimSpace(f); f != "" {
			feelings = append(feelings, f)
		}
	}

	return domain.Analysis{
		Score:            int(score),
		GapSeverity:      severity,
		MissedFeelings:   feelings,
		MostImportantGap: gap,
		Recommendation: domain.Recommendation{
			Action:              action,
			Rationale:           strings.TrimSpace(w.Recommendation.Rationale),
			SuggestedShareFocus: focus,
		},
	}, nil
}
