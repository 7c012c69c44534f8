// Package cache defines the key/value cache used for stale-read fallback.
package cache

import (
	"context"
	"errors"
	"time"
)

// Cache is a string key/value cache. Implementations are safe for concurrent use.
type Cache interface {
	// Get returns ErrMiss when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value with ttl; a non-positive ttl never expires.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ErrMiss signals a cache miss, as opposed to a transport error.
var ErrMiss = errors.New("cache: miss")

// RecentMessagesKey is the key of the cached newest page of a conversation.
func RecentMessagesKey(conversationID string) string {
	return "dm:recent:" + conversationID
}
