package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/attune/internal/store"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// BatchSize is how many outbox events are read per pass.
	BatchSize int
	// PollInterval bounds delivery latency when a Notify is missed, for
	// example for events committed by another process.
	PollInterval time.Duration
}

// Dispatcher drains the transactional outbox into a Sink. Events are marked
// delivered only after the sink accepted them, so delivery is at least once;
// the hub drops duplicates by sequence.
type Dispatcher struct {
	repo   store.Repository
	sink   Sink
	opts   DispatcherOptions
	wake   chan struct{}
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher delivering repo's outbox to sink.
func NewDispatcher(repo store.Repository, sink Sink, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Dispatcher{
		repo:   repo,
		sink:   sink,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Notify wakes the dispatcher. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run delivers events until ctx is cancelled. Pending events are flushed once
// more on the way out.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	d.logger.Info("Event dispatcher started", "poll_interval", d.opts.PollInterval)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := d.Flush(flushCtx); err != nil {
				d.logger.Warn("Final event flush failed", "error", err)
			}
			cancel()
			d.logger.Info("Event dispatcher shutting down", "reason", ctx.Err())
			return
		case <-d.wake:
		case <-ticker.C:
		}
		if _, err := d.Flush(ctx); err != nil {
			d.logger.Error("Event dispatch failed", "error", err)
		}
	}
}

// Flush delivers every pending event and returns how many were delivered.
// It stops at the first sink error, leaving that event and the rest pending.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		pending, err := d.repo.PendingEvents(ctx, d.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("read outbox: %w", err)
		}
		if len(pending) == 0 {
			return total, nil
		}

		delivered := make([]string, 0, len(pending))
		var sinkErr error
		for _, e := range pending {
			if sinkErr = d.sink.Publish(ctx, e); sinkErr != nil {
				d.logger.Warn("Event sink rejected event", "event_id", e.ID, "event", e.Kind, "error", sinkErr)
				break
			}
			delivered = append(delivered, e.ID)
		}

		if len(delivered) > 0 {
			if err := d.repo.MarkDelivered(ctx, delivered, time.Now()); err != nil {
				return total, fmt.Errorf("mark delivered: %w", err)
			}
			total += len(delivered)
		}
		if sinkErr != nil {
			return total, fmt.Errorf("publish: %w", sinkErr)
		}
		if len(pending) < d.opts.BatchSize {
			return total, nil
		}
	}
}
