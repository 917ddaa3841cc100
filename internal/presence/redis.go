package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/inksync/internal/types"
)

const (
	defaultTTL           = 45 * time.Second
	defaultChannelPrefix = "presence:doc:"
	scanBatchSize        = 100
)

// Source is the local roster mirrored into Redis.
type Source interface {
	Roster() []types.Session
	Observe(ctx context.Context) <-chan types.Session
}

// RedisMirror writes a board's roster to Redis with TTL keys and publishes
// every change, so all relay instances can list the same participants.
type RedisMirror struct {
	client *redis.Client
	logger zerolog.Logger

	ttl           time.Duration
	channelPrefix string
}

// NewRedisMirror constructs a mirror. A zero ttl uses the default.
func NewRedisMirror(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisMirror{
		client:        client,
		logger:        logger,
		ttl:           ttl,
		channelPrefix: defaultChannelPrefix,
	}
}

// Run mirrors the source until ctx is cancelled. Changes are written as
// they happen and the whole roster is refreshed before keys expire.
func (r *RedisMirror) Run(ctx context.Context, document types.DocumentID, src Source) {
	updates := src.Observe(ctx)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case sess, ok := <-updates:
			if !ok {
				return
			}
			var err error
			if sess.Status == types.StatusDisconnected {
				err = r.Clear(ctx, document, sess.Participant)
			} else {
				err = r.Publish(ctx, document, sess)
			}
			if err != nil {
				r.logger.Warn().Err(err).Str("document", string(document)).Msg("failed to mirror presence")
			}
		case <-ticker.C:
			for _, sess := range src.Roster() {
				if err := r.persist(ctx, document, sess); err != nil {
					r.logger.Warn().Err(err).Str("document", string(document)).Msg("failed to refresh presence")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Publish persists the session and notifies other instances.
func (r *RedisMirror) Publish(ctx context.Context, document types.DocumentID, sess types.Session) error {
	if err := r.persist(ctx, document, sess); err != nil {
		return err
	}
	return r.publish(ctx, document, sess)
}

// Clear removes the participant's key and publishes the disconnect.
func (r *RedisMirror) Clear(ctx context.Context, document types.DocumentID, participant types.ParticipantID) error {
	key := r.presenceKey(document, participant)
	if err := r.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete presence key %s: %w", key, err)
	}
	removal := types.Session{Participant: participant, Status: types.StatusDisconnected}
	return r.publish(ctx, document, removal)
}

// Roster loads the sessions every instance has mirrored for the board.
func (r *RedisMirror) Roster(ctx context.Context, document types.DocumentID) ([]types.Session, error) {
	iter := r.client.Scan(ctx, 0, r.presenceKey(document, "*"), scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	sessions := make([]types.Session, 0, len(values))
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		sess, err := decodeSession([]byte(strVal))
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Participant < sessions[j].Participant })
	return sessions, nil
}

// Subscribe delivers sessions published by any instance for the board until
// ctx is cancelled.
func (r *RedisMirror) Subscribe(ctx context.Context, document types.DocumentID, fn func(types.Session)) {
	pubsub := r.client.Subscribe(ctx, r.channel(document))
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sess, err := decodeSession([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn().Err(err).Msg("failed to decode presence broadcast")
				continue
			}
			fn(sess)
		case <-ctx.Done():
			return
		}
	}
}

func (r *RedisMirror) persist(ctx context.Context, document types.DocumentID, sess types.Session) error {
	key := r.presenceKey(document, sess.Participant)
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (r *RedisMirror) publish(ctx context.Context, document types.DocumentID, sess types.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	return r.client.Publish(ctx, r.channel(document), payload).Err()
}

func (r *RedisMirror) presenceKey(document types.DocumentID, participant types.ParticipantID) string {
	return fmt.Sprintf("%s%s:client:%s", r.channelPrefix, document, participant)
}

func (r *RedisMirror) channel(document types.DocumentID) string {
	return fmt.Sprintf("%s%s", r.channelPrefix, document)
}

func decodeSession(payload []byte) (types.Session, error) {
	var sess types.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return types.Session{}, err
	}
	if sess.Participant == "" {
		return types.Session{}, errors.New("presence payload missing participant")
	}
	return sess, nil
}
