package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/attune/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(seq int64, recipient string, audience domain.Audience) *domain.Event {
	return &domain.Event{
		ID:          "evt-" + recipient + "-" + string(rune('a'+seq)),
		Seq:         seq,
		Kind:        domain.EventGuessHeld,
		SessionID:   "s1",
		GuesserID:   "alice",
		Audience:    audience,
		RecipientID: recipient,
		CreatedAt:   time.UnixMilli(1_700_000_000_000 + seq),
	}
}

func TestReplayQueueKeepsRecipientsApart(t *testing.T) {
	q := NewReplayQueue(2)
	for seq := int64(1); seq <= 4; seq++ {
		require.True(t, q.Enqueue(event(seq, "alice", domain.AudienceGuesser)))
	}
	require.True(t, q.Enqueue(event(5, "bob", domain.AudienceSubject)))

	got := q.After("alice", 0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(4), got[1].Seq)

	assert.Len(t, q.After("bob", 0), 1)
	assert.Empty(t, q.After("alice", 4))
	assert.Empty(t, q.After("carol", 0))
}

func TestReplayQueueRejectsDuplicates(t *testing.T) {
	q := NewReplayQueue(10)
	require.True(t, q.Enqueue(event(1, "alice", domain.AudienceGuesser)))
	require.True(t, q.Enqueue(event(2, "alice", domain.AudienceGuesser)))
	assert.False(t, q.Enqueue(event(2, "alice", domain.AudienceGuesser)))
	assert.False(t, q.Enqueue(event(1, "alice", domain.AudienceGuesser)))
	assert.Len(t, q.After("alice", 0), 2)
}

func TestHubDeliversToRecipientOnly(t *testing.T) {
	hub := NewHub(10, quietLogger())
	defer hub.Close()

	aliceSub, _, err := hub.Subscribe("alice", 0)
	require.NoError(t, err)
	bobSub, _, err := hub.Subscribe("bob", 0)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), event(1, "alice", domain.AudienceGuesser)))

	select {
	case e := <-aliceSub.C:
		assert.Equal(t, int64(1), e.Seq)
	case <-time.After(time.Second):
		t.Fatal("alice did not receive her event")
	}
	select {
	case e := <-bobSub.C:
		t.Fatalf("bob received %s addressed to alice", e.ID)
	default:
	}
}

func TestHubNeverDeliversInternalEvents(t *testing.T) {
	hub := NewHub(10, quietLogger())
	defer hub.Close()

	sub, _, err := hub.Subscribe("alice", 0)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), event(1, "alice", domain.AudienceInternal)))
	require.NoError(t, hub.Publish(context.Background(), event(2, "", domain.AudienceGuesser)))

	select {
	case e := <-sub.C:
		t.Fatalf("received undeliverable event %+v", e)
	default:
	}
	assert.Empty(t, hub.replay.After("alice", 0), "internal events must not be buffered for replay")
}

func TestHubDropsDuplicatePublishes(t *testing.T) {
	hub := NewHub(10, quietLogger())
	defer hub.Close()

	sub, _, err := hub.Subscribe("alice", 0)
	require.NoError(t, err)

	e := event(1, "alice", domain.AudienceGuesser)
	require.NoError(t, hub.Publish(context.Background(), e))
	require.NoError(t, hub.Publish(context.Background(), e))

	assert.Len(t, sub.C, 1)
}

func TestHubReplaysAfterLastEventID(t *testing.T) {
	hub := NewHub(10, quietLogger())
	defer hub.Close()

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, hub.Publish(context.Background(), event(seq, "alice", domain.AudienceGuesser)))
	}

	_, missed, err := hub.Subscribe("alice", 1)
	require.NoError(t, err)
	require.Len(t, missed, 2)
	assert.Equal(t, int64(2), missed[0].Seq)
	assert.Equal(t, int64(3), missed[1].Seq)

	_, fresh, err := hub.Subscribe("alice", 0)
	require.NoError(t, err)
	assert.Empty(t, fresh, "a fresh connection does not replay history")
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(10, quietLogger())
	defer hub.Close()
	hub.buffer = 1

	sub, _, err := hub.Subscribe("alice", 0)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), event(1, "alice", domain.AudienceGuesser)))
	require.NoError(t, hub.Publish(context.Background(), event(2, "alice", domain.AudienceGuesser)))

	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, 0, hub.Connections("alice"))

	// The dropped client catches up from its last seen event.
	_, missed, err := hub.Subscribe("alice", 1)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, int64(2), missed[0].Seq)
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(10, quietLogger())
	sub, _, err := hub.Subscribe("alice", 0)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Connections("alice"))

	hub.Close()

	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	_, _, err = hub.Subscribe("alice", 0)
	assert.ErrorIs(t, err, ErrHubClosed)

	hub.Unsubscribe(sub)
}
