// Package postgres implements store.Layer on a PostgreSQL table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"bankconnect/pkg/store"

	_ "github.com/lib/pq"
)

// Layer is a store.Layer backed by a single key-value table.
type Layer struct {
	db    *sql.DB
	name  string
	table string
	now   func() time.Time
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Table holds the rows; created on first connect.
	Table string

	MaxOpenConns int
	MaxIdleConns int
}

// DefaultConfig returns a local development configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         5432,
		User:         "postgres",
		Password:     "postgres",
		Database:     "bankconnect",
		SSLMode:      "disable",
		Table:        "bankconnect_kv",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	}
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Open connects with cfg.DSN().
func Open(ctx context.Context, cfg Config) (*Layer, error) {
	return OpenDSN(ctx, cfg.DSN(), cfg)
}

// OpenDSN connects with an explicit connection string; cfg supplies the
// table name and pool sizes.
func OpenDSN(ctx context.Context, dsn string, cfg Config) (*Layer, error) {
	if cfg.Table == "" {
		cfg.Table = "bankconnect_kv"
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", cfg.Table)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	l := &Layer{db: db, name: "postgres", table: cfg.Table, now: time.Now}

	if err := l.initTable(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: init table: %w", err)
	}

	return l, nil
}

func (l *Layer) initTable(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + l.table + ` (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + l.table + `_expires_at ON ` + l.table + `(expires_at)`,
	}

	for _, query := range queries {
		if _, err := l.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the value stored under key, ignoring expired rows.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, err
	}

	var value []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT value FROM `+l.table+` WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, l.now(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, store.WrapError(err, l.name, "get")
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

	now := l.now()
	var expiresAt sql.NullTime
	err := l.db.QueryRowContext(ctx,
		`SELECT expires_at FROM `+l.table+` WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, now,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrKeyNotFound
	}
	if err != nil {
		return 0, store.WrapError(err, l.name, "ttl")
	}

	if !expiresAt.Valid {
		return -1, nil
	}
	return expiresAt.Time.Sub(now), nil
}

// Set upserts value under key. A ttl <= 0 stores the row without expiry.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	now := l.now()
	var expiresAt sql.NullTime
	if exp := store.ExpiryFor(now, ttl); !exp.IsZero() {
		expiresAt = sql.NullTime{Time: exp, Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO `+l.table+` (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		key, value, expiresAt, now,
	)
	if err != nil {
		return store.WrapError(err, l.name, "set")
	}
	return nil
}

// Delete removes key.
func (l *Layer) Delete(ctx context.Context, key string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM `+l.table+` WHERE key = $1`, key); err != nil {
		return store.WrapError(err, l.name, "delete")
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (l *Layer) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM `+l.table+` WHERE expires_at IS NOT NULL AND expires_at <= $1`, l.now())
	if err != nil {
		return 0, store.WrapError(err, l.name, "purge")
	}
	return res.RowsAffected()
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.name
}

// Close closes the connection pool.
func (l *Layer) Close() error {
	return l.db.Close()
}

var (
	_ store.Layer       = (*Layer)(nil)
	_ store.TTLReporter = (*Layer)(nil)
)
