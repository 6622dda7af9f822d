package reconciler

import (
	"context"
	"time"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/telemetry"
)

// StartSweeper runs a background goroutine that periodically restarts
// analyses stuck in ANALYZING, typically after a crash.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.logger.Info("Analysis sweeper started", "interval", interval, "stale_after", s.opts.StaleAfter)

		for {
			select {
			case <-ticker.C:
				if n, err := s.Sweep(ctx); err != nil {
					s.logger.Error("Analysis sweeper failed", "error", err)
				} else if n > 0 {
					s.logger.Info("Analysis sweeper restarted stale analyses", "count", n)
				}
			case <-ctx.Done():
				s.logger.Info("Analysis sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep reverts every analysis older than StaleAfter to its pre-analysis
// state and starts it again. It returns how many were restarted.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	threshold := s.now().Add(-s.opts.StaleAfter)
	stale, err := s.repo.ListStaleAnalyses(ctx, threshold)
	if err != nil {
		return 0, err
	}

	restarted := 0
	for _, d := range stale {
		if s.restartAnalysis(ctx, d.Key(), threshold) {
			restarted++
		}
	}
	return restarted, nil
}

func (s *Service) restartAnalysis(ctx context.Context, key domain.DirectionKey, threshold time.Time) bool {
	unlock := s.lock(key)
	defer unlock()

	d, err := s.loadDirection(ctx, key)
	if err != nil {
		s.logger.Error("sweeper could not load direction", "direction", key.String(), "error", err)
		return false
	}
	if d.State != domain.StateAnalyzing || d.AnalysisStartedAt == nil || !d.AnalysisStartedAt.Before(threshold) {
		return false
	}
	log := s.dirLogger(d)
	s.anomalies.Record(ctx, telemetry.AnomalyStaleAnalysis)
	log.Warn("restarting stale analysis", "started_at", d.AnalysisStartedAt, "pre_analysis_state", d.PreAnalysisState)

	prev := d.Version
	attemptID := d.CurrentAttemptID
	if err := transition(d, d.PreAnalysisState, s.now()); err != nil {
		log.Error("cannot revert stale analysis", "error", err)
		return false
	}
	cs := withEvents(s.newEvent(d, domain.EventAnalysisFailed, domain.AudienceInternal, "",
		map[string]any{"attempt_id": attemptID, "reason": "stale"}))
	if err := s.beginAnalysis(d, "", cs); err != nil {
		log.Error("cannot restart stale analysis", "error", err)
		return false
	}
	if err := s.update(ctx, d, prev, cs); err != nil {
		log.Error("failed to commit analysis restart", "error", err)
		return false
	}
	s.launchAnalysis(d)
	return true
}
