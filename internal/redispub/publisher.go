// Package redispub publishes circuit limit changes to Redis: every event is
// appended to a capped stream and the latest group per underlying is cached
// under circuit:latest:{underlying}.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
)

// Publisher is a notification sink backed by Redis.
type Publisher struct {
	client    *redis.Client
	stream    string
	maxLen    int64
	latestTTL time.Duration
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL, stream string, maxLen int64, latestTTL time.Duration) (*Publisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Publisher{
		client:    client,
		stream:    stream,
		maxLen:    maxLen,
		latestTTL: latestTTL,
	}, nil
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "redis" }

// Deliver appends events to the stream and refreshes the latest key. Errors are logged.
func (p *Publisher) Deliver(ctx context.Context, underlying string, events []models.ChangeEvent) {
	if err := p.publish(ctx, underlying, events); err != nil {
		logger.Error("Failed to publish %d changes for %s to redis: %v", len(events), underlying, err)
	}
}

func (p *Publisher) publish(ctx context.Context, underlying string, events []models.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	latest, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	pipe := p.client.Pipeline()
	for i := range events {
		values, err := streamValues(&events[i])
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: values,
		})
	}
	pipe.Set(ctx, LatestKey(underlying), latest, p.latestTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	logger.Debug("Published %d changes for %s to stream %s", len(events), underlying, p.stream)
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// LatestKey is the key holding the most recent change group of an underlying.
func LatestKey(underlying string) string {
	return "circuit:latest:" + underlying
}

// streamValues flattens an event into stream entry fields. The full event is
// carried as JSON; a few fields are duplicated for consumers that filter.
func streamValues(e *models.ChangeEvent) (map[string]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}
	return map[string]any{
		"id":         e.ID,
		"underlying": e.Underlying,
		"token":      int64(e.InstrumentToken),
		"severity":   e.Severity.String(),
		"event":      string(payload),
	}, nil
}
