// Package broadcast relays accepted change envelopes between server instances
// over Redis pub/sub so every writer connected anywhere sees every change.
// Delivery is at-least-once and unordered; the merge engine makes reapplying
// a duplicate a no-op, and a dedupe window keeps the obvious repeats off the
// wire entirely.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/types"
	"github.com/example/canvas-sync/internal/ws"
)

const (
	defaultTopicPrefix = "board:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

// RedisBroadcaster publishes change envelopes to Redis and fans them back out
// to local websocket clients across instances.
type RedisBroadcaster struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, registry *ws.ConnectionRegistry, logger zerolog.Logger) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "publish_to_deliver_seconds",
		Help:      "Observed latency between publish and delivery to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"board_id"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &RedisBroadcaster{
		client:      client,
		registry:    registry,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		latency:     histogram,
	}
}

// Publish serializes a change envelope and sends it to the board topic,
// retrying with capped backoff until the context is cancelled.
func (b *RedisBroadcaster) Publish(ctx context.Context, env types.Envelope) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}
	if env.BoardID == "" || env.ChangeID == "" {
		return errors.New("envelope missing board or change id")
	}
	if env.SentAt == 0 {
		env.SentAt = time.Now().UnixMilli()
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode change envelope: %w", err)
	}

	topic := b.topic(env.BoardID)
	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Start begins consuming redis pub/sub messages and dispatching them to
// websocket clients registered locally.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, fmt.Sprintf("%s*", b.topicPrefix))
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(msg); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(msg *redis.Message) error {
	var env types.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.BoardID == "" || env.ChangeID == "" {
		return errors.New("incomplete envelope")
	}

	if b.isDuplicate(string(env.BoardID), env.ChangeID) {
		return nil
	}

	var latencySeconds float64
	if env.SentAt > 0 {
		latencySeconds = time.Since(time.UnixMilli(env.SentAt)).Seconds()
	}
	b.latency.WithLabelValues(string(env.BoardID)).Observe(latencySeconds)

	b.registry.BroadcastBinaryByNodeID(string(env.BoardID), []byte(msg.Payload), env.NodeID)
	return nil
}

func (b *RedisBroadcaster) topic(boardID types.BoardID) string {
	return fmt.Sprintf("%s%s", b.topicPrefix, boardID)
}

func (b *RedisBroadcaster) isDuplicate(boardID, changeID string) bool {
	key := boardID + ":" + changeID

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[key]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[key] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
