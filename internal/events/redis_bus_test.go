package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/attune/internal/domain"
)

func TestRedisEventCodec(t *testing.T) {
	e := event(4, "bob", domain.AudienceSubject)
	e.Payload = []byte(`{"offer_id":"o1"}`)
	e.TriggeredBy = "alice"

	raw, err := encodeEvent(e)
	require.NoError(t, err)

	got, err := decodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Seq, got.Seq)
	assert.Equal(t, e.RecipientID, got.RecipientID)
	assert.Equal(t, e.Audience, got.Audience)
	assert.JSONEq(t, string(e.Payload), string(got.Payload))
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
}

func TestRedisEventCodecRejectsIncomplete(t *testing.T) {
	_, err := decodeEvent([]byte(`{"id":"x"}`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestRedisBusSkipsInternalEvents(t *testing.T) {
	// No client is needed: undeliverable events return before touching Redis.
	b := &RedisBus{channel: DefaultRedisChannel, logger: quietLogger()}
	assert.NoError(t, b.Publish(context.Background(), event(1, "alice", domain.AudienceInternal)))
	assert.NoError(t, b.Close())
}

func TestNewRedisBusRequiresAddress(t *testing.T) {
	_, err := NewRedisBus(context.Background(), "", "", quietLogger())
	assert.Error(t, err)
}
