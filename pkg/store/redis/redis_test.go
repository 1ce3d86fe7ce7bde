package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bankconnect/pkg/store"
)

func setupTestRedis(t *testing.T) *Layer {
	t.Helper()

	config := DefaultConfig()
	config.Name = "test-redis"
	config.KeyPrefix = fmt.Sprintf("test:bankconnect:%d:", time.Now().UnixNano())
	config.DialTimeout = 2 * time.Second

	l, err := New(config)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNew_NoAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error when no address is configured")
	}
}

func TestLayer_SetGetDelete(t *testing.T) {
	l := setupTestRedis(t)
	ctx := context.Background()

	if l.Name() != "test-redis" {
		t.Errorf("Name() = %q, want %q", l.Name(), "test-redis")
	}

	if _, err := l.Get(ctx, "settings"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrKeyNotFound", err)
	}

	if err := l.Set(ctx, "settings", []byte(`{"withBalance":false}`), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := l.Get(ctx, "settings")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"withBalance":false}` {
		t.Errorf("Get = %q", got)
	}

	ttl, err := l.TTL(ctx, "settings")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl != -1 {
		t.Errorf("TTL = %v, want -1 for key without expiry", ttl)
	}

	if err := l.Delete(ctx, "settings"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := l.Get(ctx, "settings"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Get after delete error = %v, want ErrKeyNotFound", err)
	}
}

func TestLayer_TTL(t *testing.T) {
	l := setupTestRedis(t)
	ctx := context.Background()

	if err := l.Set(ctx, "redirect", []byte(`{}`), 200*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ttl, err := l.TTL(ctx, "redirect")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 200*time.Millisecond {
		t.Errorf("TTL = %v, want within (0, 200ms]", ttl)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := l.Get(ctx, "redirect"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("Get after expiry error = %v, want ErrKeyNotFound", err)
	}
}
