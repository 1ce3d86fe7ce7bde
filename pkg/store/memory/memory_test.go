package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bankconnect/pkg/store"
)

func newTestLayer(t *testing.T, cfg Config) *Layer {
	t.Helper()
	l := New(cfg)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLayer_GetSet(t *testing.T) {
	l := newTestLayer(t, Config{Name: "test"})
	ctx := context.Background()

	if _, err := l.Get(ctx, "settings"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}

	if err := l.Set(ctx, "settings", []byte(`{"withBalance":true}`), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := l.Get(ctx, "settings")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"withBalance":true}` {
		t.Errorf("Get = %q, want %q", got, `{"withBalance":true}`)
	}
}

func TestLayer_ValuesAreCopied(t *testing.T) {
	l := newTestLayer(t, Config{})
	ctx := context.Background()

	value := []byte("abc")
	if err := l.Set(ctx, "bank-name", value, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value[0] = 'x'

	got, _ := l.Get(ctx, "bank-name")
	if string(got) != "abc" {
		t.Errorf("stored value changed through caller slice: %q", got)
	}

	got[1] = 'y'
	again, _ := l.Get(ctx, "bank-name")
	if string(again) != "abc" {
		t.Errorf("stored value changed through returned slice: %q", again)
	}
}

func TestLayer_TTL(t *testing.T) {
	l := newTestLayer(t, Config{})
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if err := l.Set(ctx, "redirect", []byte("r"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := l.Set(ctx, "settings", []byte("s"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	now = now.Add(30 * time.Second)
	if _, err := l.Get(ctx, "redirect"); err != nil {
		t.Errorf("Get before expiry failed: %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := l.Get(ctx, "redirect"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Get after expiry error = %v, want ErrKeyNotFound", err)
	}
	if _, err := l.Get(ctx, "settings"); err != nil {
		t.Errorf("entry without ttl expired: %v", err)
	}
}

func TestLayer_RemainingTTL(t *testing.T) {
	l := newTestLayer(t, Config{})
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_ = l.Set(ctx, "redirect", []byte("r"), time.Minute)
	_ = l.Set(ctx, "settings", []byte("s"), 0)

	now = now.Add(20 * time.Second)
	if got, err := l.TTL(ctx, "redirect"); err != nil || got != 40*time.Second {
		t.Errorf("TTL(redirect) = %v, %v; want 40s", got, err)
	}
	if got, err := l.TTL(ctx, "settings"); err != nil || got >= 0 {
		t.Errorf("TTL(settings) = %v, %v; want negative", got, err)
	}
	if _, err := l.TTL(ctx, "bank-name"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("TTL of missing key error = %v, want ErrKeyNotFound", err)
	}

	now = now.Add(time.Minute)
	if _, err := l.TTL(ctx, "redirect"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("TTL after expiry error = %v, want ErrKeyNotFound", err)
	}
}

func TestLayer_RemoveExpired(t *testing.T) {
	l := newTestLayer(t, Config{})
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	_ = l.Set(ctx, "a", []byte("1"), time.Second)
	_ = l.Set(ctx, "b", []byte("2"), 0)

	now = now.Add(time.Minute)
	l.removeExpired()

	if l.Len() != 1 {
		t.Errorf("Len after cleanup = %d, want 1", l.Len())
	}
}

func TestLayer_Delete(t *testing.T) {
	l := newTestLayer(t, Config{})
	ctx := context.Background()

	_ = l.Set(ctx, "loa:bank-1", []byte("[]"), 0)

	if err := l.Delete(ctx, "loa:bank-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := l.Get(ctx, "loa:bank-1"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}
	if err := l.Delete(ctx, "loa:bank-1"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestLayer_InvalidKey(t *testing.T) {
	l := newTestLayer(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		op   func() error
	}{
		{"get", func() error { _, err := l.Get(ctx, ""); return err }},
		{"set", func() error { return l.Set(ctx, "", []byte("x"), 0) }},
		{"delete", func() error { return l.Delete(ctx, "a\nb") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, store.ErrInvalidKey) {
				t.Errorf("%s error = %v, want ErrInvalidKey", tt.name, err)
			}
		})
	}
}

func TestLayer_MaxEntries(t *testing.T) {
	l := newTestLayer(t, Config{MaxEntries: 2})
	ctx := context.Background()

	base := time.Now()
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	_ = l.Set(ctx, "a", []byte("1"), 0)
	_ = l.Set(ctx, "b", []byte("2"), 0)
	_, _ = l.Get(ctx, "a")
	_ = l.Set(ctx, "c", []byte("3"), 0)

	if _, err := l.Get(ctx, "b"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Expected least recently used key to be evicted, got %v", err)
	}
	if _, err := l.Get(ctx, "a"); err != nil {
		t.Errorf("Recently used key evicted: %v", err)
	}

	// Overwriting an existing key never evicts.
	_ = l.Set(ctx, "c", []byte("33"), 0)
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
}

func TestLayer_Closed(t *testing.T) {
	l := New(Config{})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := l.Get(context.Background(), "settings"); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Get after Close error = %v, want ErrClosed", err)
	}
}

func TestLayer_Concurrent(t *testing.T) {
	l := newTestLayer(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("loa:bank-%d", i%5)
			for j := 0; j < 100; j++ {
				_ = l.Set(ctx, key, []byte("v"), 0)
				_, _ = l.Get(ctx, key)
				if j%10 == 0 {
					_ = l.Delete(ctx, key)
				}
			}
		}(i)
	}
	wg.Wait()
}
