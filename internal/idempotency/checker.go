// Package idempotency provides the consumer-side dedupe fence. Every
// published event carries the schedule row id as its message id;
// consumers check-and-mark that id before acting so at-least-once
// delivery never becomes twice-acted.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checker reports whether a message id was seen before, marking it seen
// in the same atomic step.
type Checker interface {
	// CheckAndMark returns true when the message is a duplicate.
	CheckAndMark(ctx context.Context, messageID, handler string) (bool, error)
}

// RedisChecker fences on SETNX with a TTL. The TTL only has to outlive
// the broker's redelivery horizon, not the full history.
type RedisChecker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{
		client: client,
		ttl:    7 * 24 * time.Hour,
	}
}

func (c *RedisChecker) Key(messageID, handler string) string {
	return fmt.Sprintf("scheduler:processed:%s:%s", handler, messageID)
}

func (c *RedisChecker) CheckAndMark(ctx context.Context, messageID, handler string) (bool, error) {
	set, err := c.client.SetNX(ctx, c.Key(messageID, handler), time.Now().Unix(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	return !set, nil
}

// DBMarker is the durable fallback fence backed by the
// processed_messages table.
type DBMarker interface {
	TryMarkProcessed(ctx context.Context, messageID, handler string) (bool, error)
}

// DBChecker fences through the database when Redis is not configured.
// Slower, but survives restarts with no extra infrastructure.
type DBChecker struct {
	marker DBMarker
}

func NewDBChecker(marker DBMarker) *DBChecker {
	return &DBChecker{marker: marker}
}

func (c *DBChecker) CheckAndMark(ctx context.Context, messageID, handler string) (bool, error) {
	fresh, err := c.marker.TryMarkProcessed(ctx, messageID, handler)
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

// Noop treats every message as new. For consumers whose handlers are
// naturally idempotent.
type Noop struct{}

func (Noop) CheckAndMark(context.Context, string, string) (bool, error) {
	return false, nil
}
