// Package retryable tells which in-flight device process an upload belongs
// to. Processes that can be retried register their correlation id in Redis
// while they run.
package retryable

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "retryable-process:"
	snapshotKind     = "snapshot"
	videoKind        = "video"
)

// RedisClassifier looks up in-flight processes by correlation id
type RedisClassifier struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisClassifier creates a classifier over an existing Redis client
func NewRedisClassifier(client *redis.Client, keyPrefix string) *RedisClassifier {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisClassifier{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// IsSnapshotInFlight reports whether a snapshot process owns correlationID
func (c *RedisClassifier) IsSnapshotInFlight(ctx context.Context, correlationID string) (bool, error) {
	return c.exists(ctx, snapshotKind, correlationID)
}

// IsVideoInFlight reports whether a video-event process owns correlationID
func (c *RedisClassifier) IsVideoInFlight(ctx context.Context, correlationID string) (bool, error) {
	return c.exists(ctx, videoKind, correlationID)
}

// SnapshotKey returns the key a snapshot process registers under
func (c *RedisClassifier) SnapshotKey(correlationID string) string {
	return c.key(snapshotKind, correlationID)
}

// VideoKey returns the key a video-event process registers under
func (c *RedisClassifier) VideoKey(correlationID string) string {
	return c.key(videoKind, correlationID)
}

func (c *RedisClassifier) exists(ctx context.Context, kind, correlationID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(kind, correlationID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s process %s: %w", kind, correlationID, err)
	}
	return n > 0, nil
}

func (c *RedisClassifier) key(kind, correlationID string) string {
	return c.keyPrefix + kind + ":" + correlationID
}

// Nop classifies every upload as a plain recording, used when Redis is not
// configured
type Nop struct{}

// IsSnapshotInFlight always reports false
func (Nop) IsSnapshotInFlight(context.Context, string) (bool, error) { return false, nil }

// IsVideoInFlight always reports false
func (Nop) IsVideoInFlight(context.Context, string) (bool, error) { return false, nil }
