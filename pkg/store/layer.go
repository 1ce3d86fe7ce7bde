// Package store defines the byte-oriented key-value layers that back the
// integration state: an in-process memory layer plus durable sqlite, redis
// and postgres layers.
package store

import (
	"context"
	"time"
)

// Layer is a single key-value storage tier.
// Values are opaque bytes; callers own the encoding.
type Layer interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	// A ttl <= 0 means the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Name identifies the layer in logs and metrics (e.g. "memory", "sqlite").
	Name() string

	// Close releases any resources held by the layer.
	Close() error
}

// TTLReporter is implemented by layers that can tell how long a key has left.
// TTL returns a negative duration for a key without expiry and
// ErrKeyNotFound for a missing or expired key.
type TTLReporter interface {
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Entry is a stored value with its expiry.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time // zero means no expiry
}

// IsExpired reports whether the entry expired at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// ExpiryFor converts a ttl into an absolute expiry; ttl <= 0 yields the zero time.
func ExpiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
