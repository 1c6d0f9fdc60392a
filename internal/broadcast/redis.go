// Package broadcast relays collection deltas between replica processes over
// Redis Pub/Sub.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/delta-crdt-engine/internal/crdt"
	"github.com/example/delta-crdt-engine/internal/types"
	"github.com/example/delta-crdt-engine/internal/wire"
)

const (
	defaultTopicPrefix = "collection:"
	maxBackoffDelay    = 30 * time.Second
)

// Applier merges deltas received from other replicas.
type Applier interface {
	Replica() crdt.ReplicaID
	ApplyDelta(rec types.DeltaRecord) error
}

// Fanout delivers encoded envelopes to locally connected peers.
type Fanout interface {
	BroadcastBinary(collection string, payload []byte, origin uint64) int
}

// RedisBroadcaster publishes delta envelopes to Redis, merges the ones other
// replicas publish and fans every envelope out to local peers. Messages are
// not deduplicated: applying a delta twice leaves the collection unchanged.
type RedisBroadcaster struct {
	client  *redis.Client
	applier Applier
	fanout  Fanout
	logger  zerolog.Logger

	topicPrefix string

	latency *prometheus.HistogramVec
	applied *prometheus.CounterVec
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, applier Applier, fanout Fanout, logger zerolog.Logger) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "publish_to_receive_seconds",
		Help:      "Observed latency between a delta being shipped and received from Redis.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"collection"})
	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "received_envelopes_total",
		Help:      "Envelopes received from Redis, by outcome.",
	}, []string{"outcome"})
	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &RedisBroadcaster{
		client:      client,
		applier:     applier,
		fanout:      fanout,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		latency:     histogram,
		applied:     counter,
	}
}

// Publish encodes the envelope and sends it to the collection topic,
// retrying with backoff until it succeeds or ctx ends.
func (b *RedisBroadcaster) Publish(ctx context.Context, env *wire.Envelope) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	encoded, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	topic := b.topic(env.Collection)
	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Start begins consuming redis pub/sub messages.
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
			backoff = min(backoff*2, maxBackoffDelay)
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
				b.applied.WithLabelValues("failed").Inc()
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(msg *redis.Message) error {
	payload := []byte(msg.Payload)
	var env wire.Envelope
	if err := env.Unmarshal(payload); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if b.topic(env.Collection) != msg.Channel {
		return fmt.Errorf("envelope for %q on channel %q", env.Collection, msg.Channel)
	}
	b.latency.WithLabelValues(env.Collection).Observe(env.Latency(time.Now()).Seconds())

	// Our own deltas are already merged; peers still need them.
	if crdt.ReplicaID(env.Origin) != b.applier.Replica() {
		err := b.applier.ApplyDelta(types.DeltaRecord{
			Collection: types.CollectionID(env.Collection),
			Origin:     crdt.ReplicaID(env.Origin),
			Sequence:   env.Sequence,
			Payload:    env.Payload,
			CreatedAt:  env.SentAt,
		})
		if err != nil {
			return fmt.Errorf("apply delta from %d: %w", env.Origin, err)
		}
		b.applied.WithLabelValues("applied").Inc()
	} else {
		b.applied.WithLabelValues("own").Inc()
	}

	if b.fanout != nil {
		b.fanout.BroadcastBinary(env.Collection, payload, env.Origin)
	}
	return nil
}

func (b *RedisBroadcaster) topic(collection string) string {
	return b.topicPrefix + collection
}
