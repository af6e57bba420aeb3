package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/offline-sync/internal/types"
)

const (
	defaultChannelPrefix = "sync:"
	defaultDedupeTTL     = 2 * time.Minute
	initialBackoffDelay  = time.Second
	maxBackoffDelay      = 30 * time.Second
)

const (
	kindEvent = "event"
	kindWake  = "wake"
)

type busMessage struct {
	Kind       string `json:"kind"`
	Payload    []byte `json:"payload,omitempty"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RedisBus publishes status events and wake-ups through Redis Pub/Sub so
// every instance delivers to its own subscribers and wakes its own workers.
type RedisBus struct {
	client *redis.Client
	hub    *Hub
	logger zerolog.Logger

	prefix    string
	dedupeTTL time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRedisBus constructs a bus backed by client delivering into hub.
func NewRedisBus(client *redis.Client, hub *Hub, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:    client,
		hub:       hub,
		logger:    logger,
		prefix:    defaultChannelPrefix,
		dedupeTTL: defaultDedupeTTL,
		seen:      make(map[string]time.Time),
	}
}

// Publish sends ev to every instance.
func (b *RedisBus) Publish(ctx context.Context, ev types.StatusEvent) error {
	payload, err := MarshalEvent(ev)
	if err != nil {
		return err
	}
	return b.send(ctx, b.prefix+kindEvent, busMessage{Kind: kindEvent, Payload: payload})
}

// Wake asks every instance's processors to poll now.
func (b *RedisBus) Wake(ctx context.Context) error {
	return b.send(ctx, b.prefix+kindWake, busMessage{Kind: kindWake})
}

func (b *RedisBus) send(ctx context.Context, channel string, msg busMessage) error {
	if b == nil || b.client == nil {
		return errors.New("nil bus")
	}
	msg.EnqueuedAt = time.Now().UTC().UnixNano()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}

	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := b.client.Publish(ctx, channel, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || attempt >= 3 {
			return fmt.Errorf("publish %s: %w", channel, err)
		}
		b.logger.Warn().Err(err).Str("channel", channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start consumes the bus until ctx is cancelled, resubscribing after
// interruptions.
func (b *RedisBus) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBus) run(ctx context.Context) {
	go b.pruneSeen(ctx)

	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.Subscribe(ctx, b.prefix+kindEvent, b.prefix+kindWake)
		subscribed, err := b.consume(ctx, pubsub)
		backoff = retryDelay(backoff, subscribed)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// retryDelay is the wait before resubscribing. It starts over after a
// subscription was confirmed and doubles across consecutive failures.
func retryDelay(prev time.Duration, subscribed bool) time.Duration {
	if subscribed || prev <= 0 {
		return initialBackoffDelay
	}
	return minDuration(prev*2, maxBackoffDelay)
}

// consume reports whether the subscription was confirmed before it ended.
func (b *RedisBus) consume(ctx context.Context, pubsub *redis.PubSub) (bool, error) {
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, err
	}

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("pubsub channel closed")
			}
			if err := b.process(msg); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process bus message")
			}
		}
	}
}

func (b *RedisBus) process(msg *redis.Message) error {
	var m busMessage
	if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
		return fmt.Errorf("decode bus message: %w", err)
	}
	if m.EnqueuedAt > 0 {
		busLatency.Observe(time.Since(time.Unix(0, m.EnqueuedAt)).Seconds())
	}

	switch m.Kind {
	case kindWake:
		b.hub.Wake()
		return nil
	case kindEvent:
		ev, err := UnmarshalEvent(m.Payload)
		if err != nil {
			return err
		}
		if b.isDuplicate(ev) {
			return nil
		}
		b.hub.Deliver(ev)
		return nil
	default:
		return fmt.Errorf("unknown bus message kind %q", m.Kind)
	}
}

// isDuplicate drops redeliveries of the same entry transition.
func (b *RedisBus) isDuplicate(ev types.StatusEvent) bool {
	key := string(ev.TenantID) + ":" + strconv.FormatInt(ev.EntryID, 10) + ":" + string(ev.Status) + ":" + strconv.FormatInt(ev.At.UnixNano(), 10)
	now := time.Now()

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[key]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}
	b.seen[key] = now
	return false
}

func (b *RedisBus) pruneSeen(ctx context.Context) {
	ticker := time.NewTicker(b.dedupeTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.forgetBefore(now.Add(-b.dedupeTTL))
		}
	}
}

// forgetBefore drops dedupe keys first seen before cutoff.
func (b *RedisBus) forgetBefore(cutoff time.Time) {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
