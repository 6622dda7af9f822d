package reconciler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/store"
	"github.com/ashureev/attune/internal/telemetry"
)

func lockEntries(s *Service) int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func TestLockEntriesDroppedAfterUse(t *testing.T) {
	h := newHarness(t, independentReveal)
	h.analyze(90, domain.SeverityNone, "")

	h.submitAndAnalyze(aliceKey, bob, aliceGuess, bobTruth)
	require.Equal(t, domain.StateRevealed, h.direction(aliceKey).State)

	assert.Zero(t, lockEntries(h.svc), "no lock entry outlives its operations")
}

func TestLockSerializesDirection(t *testing.T) {
	h := newHarness(t)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := h.svc.lock(aliceKey)
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, lockEntries(h.svc))
}

func TestLockIndependentDirections(t *testing.T) {
	h := newHarness(t)
	bobKey := domain.DirectionKey{SessionID: sessionID, GuesserID: bob}

	unlockAlice := h.svc.lock(aliceKey)
	done := make(chan struct{})
	go func() {
		h.svc.lock(bobKey)()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking one direction blocked the other")
	}
	assert.Equal(t, 1, lockEntries(h.svc))
	unlockAlice()
	assert.Zero(t, lockEntries(h.svc))
}

func TestSweeperLogsThroughServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc := New(store.NewMemory(), nil, nil, telemetry.NewAnomalies(), Options{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	svc.StartSweeper(ctx, time.Hour)
	cancel()
	svc.Wait()

	out := buf.String()
	assert.Contains(t, out, "Analysis sweeper started")
	assert.Contains(t, out, "Analysis sweeper shutting down")
}
