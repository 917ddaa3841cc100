package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTopicPrefix = "doc:"

type redisMessage struct {
	Instance   string `json:"instance"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RedisBus links the relay instances serving one board through a Redis
// pub/sub channel. Frames published by this instance are not delivered
// back to it.
type RedisBus struct {
	client   *redis.Client
	topic    string
	instance string
	backoff  BackoffConfig
	logger   zerolog.Logger
}

// NewRedisBus constructs a bus for the board topic.
func NewRedisBus(client *redis.Client, document, instance string, cfg BackoffConfig, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client:   client,
		topic:    defaultTopicPrefix + document,
		instance: instance,
		backoff:  cfg,
		logger:   logger.With().Str("topic", defaultTopicPrefix+document).Logger(),
	}
}

// Send publishes a frame to the other instances.
func (b *RedisBus) Send(ctx context.Context, data []byte) error {
	encoded, err := json.Marshal(redisMessage{
		Instance:   b.instance,
		Payload:    data,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic, encoded).Err(); err != nil {
		framesTotal.WithLabelValues("redis", "send_error").Inc()
		return fmt.Errorf("%w: publish %s: %v", ErrTransportFailure, b.topic, err)
	}
	framesTotal.WithLabelValues("redis", "sent").Inc()
	return nil
}

// Run subscribes to the topic and resubscribes with backoff until ctx is
// cancelled. The link is reported connected once the subscription is
// confirmed.
func (b *RedisBus) Run(ctx context.Context, r Receiver) {
	policy := b.backoff.NewBackOff()
	for ctx.Err() == nil {
		pubsub := b.client.Subscribe(ctx, b.topic)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			delay := policy.NextBackOff()
			reconnectTotal.WithLabelValues("redis").Inc()
			b.logger.Warn().Err(err).Dur("backoff", delay).Msg("redis subscription failed; retrying")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		policy.Reset()
		r.HandleConnected()

		err := b.consume(ctx, pubsub, r)
		r.HandleDisconnected(fmt.Errorf("%w: %v", ErrTransportFailure, err))
		if ctx.Err() != nil {
			return
		}
		delay := policy.NextBackOff()
		b.logger.Warn().Err(err).Dur("backoff", delay).Msg("redis subscription interrupted; retrying")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (b *RedisBus) consume(ctx context.Context, pubsub *redis.PubSub, r Receiver) error {
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
			if err := b.process(msg, r); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process bus message")
			}
		}
	}
}

func (b *RedisBus) process(msg *redis.Message, r Receiver) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.Instance == b.instance {
		return nil
	}
	if len(payload.Payload) == 0 {
		return errors.New("incomplete payload")
	}
	if payload.EnqueuedAt > 0 {
		busLatency.WithLabelValues(b.topic).Observe(time.Since(time.Unix(0, payload.EnqueuedAt)).Seconds())
	}
	framesTotal.WithLabelValues("redis", "received").Inc()
	r.HandleData(payload.Payload)
	return nil
}
