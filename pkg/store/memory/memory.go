// Package memory implements store.Layer in process memory.
//
// It is the L1 tier in front of a durable layer and the whole store in tests
// and in ephemeral deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"bankconnect/pkg/store"
)

// Layer is an in-memory key-value layer satisfying store.Layer.
// It is safe for concurrent use and expires entries both lazily on read
// and periodically from a background goroutine.
type Layer struct {
	// data stores the entries by key
	data map[string]*entry

	// mu protects data and closed
	mu sync.RWMutex

	config Config

	closed bool

	// cleanupTicker controls the background cleanup interval
	cleanupTicker *time.Ticker

	// stopCleanup signals the cleanup goroutine to stop
	stopCleanup chan struct{}

	wg sync.WaitGroup

	// now is replaced in tests
	now func() time.Time
}

type entry struct {
	value      []byte
	expiresAt  time.Time
	accessedAt time.Time
}

// Config holds configuration for the memory layer
type Config struct {
	// Name is the layer identifier used in logs and metrics
	Name string

	// MaxEntries bounds the number of entries (0 = unlimited).
	// The least recently accessed entry is evicted when full.
	MaxEntries int

	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
}

// New creates a memory layer and starts its cleanup goroutine.
func New(config Config) *Layer {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	l := &Layer{
		data:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		now:           time.Now,
	}

	l.wg.Add(1)
	go l.cleanup()

	return l
}

// Get returns a copy of the value stored under key.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, store.ErrClosed
	}

	e, ok := l.data[key]
	if !ok {
		return nil, store.ErrKeyNotFound
	}

	now := l.now()
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(l.data, key)
		return nil, store.ErrKeyNotFound
	}

	e.accessedAt = now
	return clone(e.value), nil
}

// Set stores a copy of value under key. A ttl <= 0 keeps the entry until
// it is deleted.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return store.ErrClosed
	}

	now := l.now()

	if _, exists := l.data[key]; !exists && l.config.MaxEntries > 0 && len(l.data) >= l.config.MaxEntries {
		l.evictLRU()
	}

	l.data[key] = &entry{
		value:      clone(value),
		expiresAt:  store.ExpiryFor(now, ttl),
		accessedAt: now,
	}

	return nil
}

// TTL returns the remaining lifetime of key, or -1 when it never expires.
func (l *Layer) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := store.ValidateKey(key); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, store.ErrClosed
	}

	e, ok := l.data[key]
	if !ok {
		return 0, store.ErrKeyNotFound
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	remaining := e.expiresAt.Sub(l.now())
	if remaining <= 0 {
		return 0, store.ErrKeyNotFound
	}
	return remaining, nil
}

// Delete removes key. Missing keys are ignored.
func (l *Layer) Delete(ctx context.Context, key string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return store.ErrClosed
	}

	delete(l.data, key)
	return nil
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.config.Name
}

// Close stops the cleanup goroutine and drops all entries.
// Closing twice is a no-op.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.data = nil
	l.mu.Unlock()

	l.cleanupTicker.Stop()
	close(l.stopCleanup)
	l.wg.Wait()

	return nil
}

// Len returns the number of stored entries, expired ones included until
// the next cleanup.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.data)
}

func (l *Layer) cleanup() {
	defer l.wg.Done()

	for {
		select {
		case <-l.cleanupTicker.C:
			l.removeExpired()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Layer) removeExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.data {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(l.data, key)
		}
	}
}

// evictLRU must be called with mu held.
func (l *Layer) evictLRU() {
	var lruKey string
	var lruTime time.Time

	for k, e := range l.data {
		if lruKey == "" || e.accessedAt.Before(lruTime) {
			lruKey = k
			lruTime = e.accessedAt
		}
	}

	if lruKey != "" {
		delete(l.data, lruKey)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var (
	_ store.Layer       = (*Layer)(nil)
	_ store.TTLReporter = (*Layer)(nil)
)
