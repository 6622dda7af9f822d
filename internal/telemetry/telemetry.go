// Package telemetry counts reconciler anomalies.
//
// Counters are recorded on the global OpenTelemetry meter provider, which is
// a no-op unless the process installs one. A local copy of every count is
// kept so health endpoints and tests can read it without an exporter.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationScope = "github.com/ashureev/attune"

// Anomaly names a fallback path that should never run under correct operation.
type Anomaly string

const (
	AnomalyGuardViolation   Anomaly = "guard_violation"
	AnomalyBreakerTripped   Anomaly = "circuit_breaker_tripped"
	AnomalyConsentViolation Anomaly = "consent_violation"
	AnomalyAnalysisFailed   Anomaly = "analysis_failed"
	AnomalyStaleAnalysis    Anomaly = "stale_analysis"
	AnomalyVersionConflict  Anomaly = "version_conflict"
)

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Anomalies records anomaly counts.
type Anomalies struct {
	counter metric.Int64Counter

	mu     sync.Mutex
	counts map[Anomaly]*atomic.Int64
}

// NewAnomalies creates the anomaly counter on the global meter.
func NewAnomalies() *Anomalies {
	a := &Anomalies{counts: make(map[Anomaly]*atomic.Int64)}
	// A failed instrument registration leaves counter nil; local counts still work.
	a.counter, _ = Meter(instrumentationScope).Int64Counter("attune.reconciler.anomalies",
		metric.WithDescription("Reconciler fallback paths taken"),
		metric.WithUnit("{anomaly}"),
	)
	return a
}

// Record counts one anomaly.
func (a *Anomalies) Record(ctx context.Context, kind Anomaly) {
	if a == nil {
		return
	}
	a.slot(kind).Add(1)
	if a.counter != nil {
		a.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

// Count returns the local count for kind.
func (a *Anomalies) Count(kind Anomaly) int64 {
	if a == nil {
		return 0
	}
	return a.slot(kind).Load()
}

// Snapshot returns every non-zero local count.
func (a *Anomalies) Snapshot() map[Anomaly]int64 {
	out := make(map[Anomaly]int64)
	if a == nil {
		return out
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, n := range a.counts {
		if v := n.Load(); v > 0 {
			out[kind] = v
		}
	}
	return out
}

func (a *Anomalies) slot(kind Anomaly) *atomic.Int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.counts[kind]
	if !ok {
		n = new(atomic.Int64)
		a.counts[kind] = n
	}
	return n
}
