package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ashureev/attune/internal/domain"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "attune.events"

// RedisBus fans deliverable events out to every server instance. The
// dispatcher publishes into it, and each instance forwards what it receives
// into its local hub.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBus connects to addr and verifies the connection.
func NewRedisBus(ctx context.Context, addr, channel string, logger *slog.Logger) (*RedisBus, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBusWithClient(rdb, channel, logger), nil
}

func newRedisBusWithClient(rdb *goredis.Client, channel string, logger *slog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, logger: logger.With("component", "redis_bus")}
}

func encodeEvent(e *domain.Event) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEvent(raw []byte) (*domain.Event, error) {
	var e domain.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.ID == "" || e.Seq == 0 {
		return nil, errors.New("decode event: missing id or sequence")
	}
	return &e, nil
}

// Publish sends e to every instance. Internal events are not published.
func (b *RedisBus) Publish(ctx context.Context, e *domain.Event) error {
	if !e.Deliverable() {
		return nil
	}
	raw, err := encodeEvent(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Forward subscribes to the channel and passes every event to sink until ctx
// is cancelled. It returns once the subscription is confirmed.
func (b *RedisBus) Forward(ctx context.Context, sink Sink) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.logger.Info("Redis event forwarder subscribed", "channel", b.channel)

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					b.logger.Warn("Redis subscription channel closed")
					return
				}
				e, err := decodeEvent([]byte(m.Payload))
				if err != nil {
					b.logger.Warn("bad redis event payload", "error", err)
					continue
				}
				if err := sink.Publish(ctx, e); err != nil {
					b.logger.Warn("forwarding redis event failed", "event_id", e.ID, "error", err)
				}
			}
		}
	}()
	return nil
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
