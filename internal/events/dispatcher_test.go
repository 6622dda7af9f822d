package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	got    []*domain.Event
	failAt int64 // reject the event with this sequence
}

func (s *recordingSink) Publish(_ context.Context, e *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt != 0 && e.Seq == s.failAt {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, e)
	return nil
}

func (s *recordingSink) seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.got))
	for _, e := range s.got {
		out = append(out, e.Seq)
	}
	return out
}

func commitEvents(t *testing.T, repo store.Repository, n int) {
	t.Helper()
	evs := make([]*domain.Event, 0, n)
	for i := 0; i < n; i++ {
		evs = append(evs, &domain.Event{
			ID:          "evt-" + string(rune('a'+i)),
			Kind:        domain.EventGuessHeld,
			SessionID:   "s1",
			GuesserID:   "alice",
			Audience:    domain.AudienceGuesser,
			RecipientID: "alice",
			CreatedAt:   time.UnixMilli(1_700_000_000_000 + int64(i)),
		})
	}
	require.NoError(t, repo.Apply(context.Background(), &store.Changeset{Events: evs}))
}

func TestDispatcherFlushDeliversInOrder(t *testing.T) {
	repo := store.NewMemory()
	sink := &recordingSink{}
	d := NewDispatcher(repo, sink, DispatcherOptions{BatchSize: 2}, quietLogger())

	commitEvents(t, repo, 5)

	n, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, sink.seqs())

	pending, err := repo.PendingEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err = d.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcherStopsAtSinkError(t *testing.T) {
	repo := store.NewMemory()
	sink := &recordingSink{failAt: 3}
	d := NewDispatcher(repo, sink, DispatcherOptions{}, quietLogger())

	commitEvents(t, repo, 4)

	n, err := d.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)

	pending, err := repo.PendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(3), pending[0].Seq)

	sink.mu.Lock()
	sink.failAt = 0
	sink.mu.Unlock()

	n, err = d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2, 3, 4}, sink.seqs())
}

func TestDispatcherRunDeliversOnNotify(t *testing.T) {
	repo := store.NewMemory()
	hub := NewHub(10, quietLogger())
	defer hub.Close()
	d := NewDispatcher(repo, hub, DispatcherOptions{PollInterval: time.Hour}, quietLogger())

	sub, _, err := hub.Subscribe("alice", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	commitEvents(t, repo, 1)
	d.Notify()

	select {
	case e := <-sub.C:
		assert.Equal(t, int64(1), e.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered after Notify")
	}

	cancel()
	<-done
}

func TestDispatcherRunFlushesOnShutdown(t *testing.T) {
	repo := store.NewMemory()
	sink := &recordingSink{}
	d := NewDispatcher(repo, sink, DispatcherOptions{PollInterval: time.Hour}, quietLogger())

	commitEvents(t, repo, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	assert.Equal(t, []int64{1, 2, 3}, sink.seqs())
}
