package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/pkg/protocol"
)

// RedisClient is the part of *redis.Client the fan-out uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// RedisFanout tells peer instances to drop their cached copy of a record.
type RedisFanout struct {
	client  RedisClient
	channel string
	origin  string
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisFanout publishes on channel. Each instance gets its own origin id
// so it can skip its own messages.
func NewRedisFanout(client RedisClient, channel string) *RedisFanout {
	return &RedisFanout{client: client, channel: channel, origin: uuid.NewString()}
}

func (r *RedisFanout) Name() string { return "redis" }

// Purge publishes an invalidation for the event's key.
func (r *RedisFanout) Purge(ctx context.Context, ev events.Event) error {
	if ev.Key == "" {
		return nil
	}
	msg, err := json.Marshal(protocol.InvalidationMessage{Key: ev.Key, Reason: ev.Type, Origin: r.origin})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listen applies invalidations from peers to files until ctx is done.
func (r *RedisFanout) Listen(ctx context.Context, files *Files) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.apply(m.Payload, files)
		}
	}
}

func (r *RedisFanout) apply(payload string, files *Files) {
	var msg protocol.InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logging.Warn("invalid invalidation message", zap.String("payload", payload), logging.Err(err))
		return
	}
	if msg.Origin == r.origin || msg.Key == "" {
		return
	}
	files.Remove(msg.Key)
	logging.Debug("peer invalidation applied", logging.FileKey(msg.Key), zap.String("reason", msg.Reason))
}

// Close closes the client.
func (r *RedisFanout) Close() error { return r.client.Close() }
