package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// FleetStream receives every event.
	FleetStream = "fleet:events"
	agentPrefix = "fleet:agent:"
)

// AgentStream is the stream an agent runtime reads its assignments from.
func AgentStream(agentID string) string { return agentPrefix + agentID }

// RedisBus publishes events to Redis Streams.
type RedisBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisBus connects to redisURL and verifies the connection.
func NewRedisBus(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, maxLen: 10000, logger: logger}, nil
}

// Publish appends e to the fleet stream and, when the event concerns an
// agent, to that agent's stream.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	streams := []string{FleetStream}
	if e.AgentID != "" {
		streams = append(streams, AgentStream(e.AgentID))
	}

	pipe := b.rdb.Pipeline()
	for _, s := range streams {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s,
			MaxLen: b.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"type": string(e.Type),
				"data": string(data),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}

	b.logger.Debug("published event",
		zap.String("type", string(e.Type)),
		zap.String("task", e.TaskID),
		zap.String("agent", e.AgentID))
	return nil
}

// Subscribe reads new entries of stream until ctx is cancelled. The
// returned channel is closed when reading stops.
func (b *RedisBus) Subscribe(ctx context.Context, stream string) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("stream read failed", zap.String("stream", stream), zap.Error(err))
					time.Sleep(time.Second)
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var e Event
					if json.Unmarshal([]byte(data), &e) != nil {
						continue
					}
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
