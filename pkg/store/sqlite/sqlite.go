// Package sqlite implements a durable store.Layer on a single sqlite file.
// It is the default backing store and plays the part browser local storage
// plays for a web client: state survives restarts of the process.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bankconnect/pkg/store"

	_ "modernc.org/sqlite"
)

// Config holds configuration for the sqlite layer.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	// Name is the layer identifier used in logs and metrics
	Name string

	// BusyTimeout is how long a writer waits on a locked database
	BusyTimeout time.Duration
}

// Layer is a store.Layer backed by a sqlite table.
type Layer struct {
	db     *sql.DB
	name   string
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// Open creates the database file if needed, runs migrations and returns the layer.
func Open(ctx context.Context, config Config) (*Layer, error) {
	if config.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if config.Name == "" {
		config.Name = "sqlite"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		config.Path, config.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}

	if err := RunMigrations(config.Path); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return &Layer{db: db, name: config.Name, now: time.Now}, nil
}

// Get returns the value stored under key. Expired rows are removed on read.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	var value []byte
	var expiresAt int64
	err := l.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, store.WrapError(err, l.name, "get")
	}

	if expiresAt > 0 && l.now().UnixNano() > expiresAt {
		if _, err := l.db.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND expires_at = ?`, key, expiresAt,
		); err != nil {
			return nil, store.WrapError(err, l.name, "expire")
		}
		return nil, store.ErrKeyNotFound
	}

	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// TTL returns the remaining lifetime of key, or -1 when the row never expires.
func (l *Layer) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := store.ValidateKey(key); err != nil {
		return 0, err
	}
	if err := l.checkOpen(); err != nil {
		return 0, err
	}

	var expiresAt int64
	err := l.db.QueryRowContext(ctx,
		`SELECT expires_at FROM kv WHERE key = ?`, key,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrKeyNotFound
	}
	if err != nil {
		return 0, store.WrapError(err, l.name, "ttl")
	}

	if expiresAt <= 0 {
		return -1, nil
	}
	remaining := time.Duration(expiresAt - l.now().UnixNano())
	if remaining <= 0 {
		return 0, store.ErrKeyNotFound
	}
	return remaining, nil
}

// Set upserts value under key. A ttl <= 0 stores the row without expiry.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if err := l.checkOpen(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	now := l.now()
	var expiresAt int64
	if exp := store.ExpiryFor(now, ttl); !exp.IsZero() {
		expiresAt = exp.UnixNano()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		key, value, expiresAt, now.UnixNano(),
	)
	if err != nil {
		return store.WrapError(err, l.name, "set")
	}
	return nil
}

// Delete removes key. Missing keys are ignored.
func (l *Layer) Delete(ctx context.Context, key string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if err := l.checkOpen(); err != nil {
		return err
	}

	if _, err := l.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return store.WrapError(err, l.name, "delete")
	}
	return nil
}

// PurgeExpired deletes every expired row and returns how many were removed.
func (l *Layer) PurgeExpired(ctx context.Context) (int64, error) {
	if err := l.checkOpen(); err != nil {
		return 0, err
	}

	res, err := l.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at < ?`, l.now().UnixNano())
	if err != nil {
		return 0, store.WrapError(err, l.name, "purge")
	}
	return res.RowsAffected()
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.name
}

// Ping checks the database connection.
func (l *Layer) Ping(ctx context.Context) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func (l *Layer) checkOpen() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return store.ErrClosed
	}
	return nil
}

var (
	_ store.Layer       = (*Layer)(nil)
	_ store.TTLReporter = (*Layer)(nil)
)
