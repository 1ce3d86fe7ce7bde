// Package mock provides a scriptable store.Layer for tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"bankconnect/pkg/store"
)

// Layer is a store.Layer whose behaviour is set through function hooks.
// Call counters are safe for concurrent use.
type Layer struct {
	GetFunc    func(ctx context.Context, key string) ([]byte, error)
	SetFunc    func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteFunc func(ctx context.Context, key string) error
	TTLFunc    func(ctx context.Context, key string) (time.Duration, error)
	CloseFunc  func() error

	name string

	getCalls    int64
	setCalls    int64
	deleteCalls int64
	closeCalls  int64
}

// New returns a layer that misses on every Get and accepts every write.
func New(name string) *Layer {
	return &Layer{name: name}
}

// Get calls GetFunc, or reports a miss.
func (m *Layer) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, store.ErrKeyNotFound
}

// Set calls SetFunc, or succeeds.
func (m *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	atomic.AddInt64(&m.setCalls, 1)
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return nil
}

// Delete calls DeleteFunc, or succeeds.
func (m *Layer) Delete(ctx context.Context, key string) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return nil
}

// TTL calls TTLFunc, or reports a key without expiry.
func (m *Layer) TTL(ctx context.Context, key string) (time.Duration, error) {
	if m.TTLFunc != nil {
		return m.TTLFunc(ctx, key)
	}
	return -1, nil
}

// Name returns the name given to New.
func (m *Layer) Name() string {
	return m.name
}

// Close calls CloseFunc, or succeeds.
func (m *Layer) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Layer) GetCalls() int    { return int(atomic.LoadInt64(&m.getCalls)) }
func (m *Layer) SetCalls() int    { return int(atomic.LoadInt64(&m.setCalls)) }
func (m *Layer) DeleteCalls() int { return int(atomic.LoadInt64(&m.deleteCalls)) }
func (m *Layer) CloseCalls() int  { return int(atomic.LoadInt64(&m.closeCalls)) }

var (
	_ store.Layer       = (*Layer)(nil)
	_ store.TTLReporter = (*Layer)(nil)
)
