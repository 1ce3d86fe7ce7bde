// Package redis implements store.Layer on Redis via rueidis, for deployments
// where several bankconnect replicas share one consent/redirect state.
package redis

import (
	"context"
	"fmt"
	"time"

	"bankconnect/pkg/store"

	"github.com/redis/rueidis"
)

// Layer is a store.Layer backed by Redis strings.
type Layer struct {
	client rueidis.Client
	config Config
}

// Config holds connection settings for the redis layer.
type Config struct {
	Name string
	// Addr is the server address for single node mode.
	// Example: "localhost:6379"
	Addr string
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the database number. Cluster mode only supports 0.
	DB int
	// KeyPrefix namespaces every key, e.g. "bankconnect:".
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SentinelAddrs enables sentinel mode when set.
	SentinelAddrs     []string
	SentinelMasterSet string
	SentinelUsername  string
	SentinelPassword  string
}

// DefaultConfig returns a single node configuration on localhost.
func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "bankconnect:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// New connects to Redis and verifies the connection with PING.
func New(config Config) (*Layer, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	opts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
	}
	if len(config.SentinelAddrs) > 0 {
		opts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("redis: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping server: %w", err)
	}

	return &Layer{client: client, config: config}, nil
}

func (l *Layer) key(key string) string {
	return l.config.KeyPrefix + key
}

// Get returns the value stored under key.
func (l *Layer) Get(ctx context.Context, key string) ([]byte, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, err
	}

	resp := l.client.Do(ctx, l.client.B().Get().Key(l.key(key)).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, store.ErrKeyNotFound
		}
		return nil, store.WrapError(err, l.config.Name, "get")
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, store.WrapError(fmt.Errorf("read response: %w", err), l.config.Name, "get")
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Set stores value under key. A ttl <= 0 stores it without expiry.
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}

	set := l.client.B().Set().Key(l.key(key)).Value(rueidis.BinaryString(value))

	var cmd rueidis.Completed
	if ttl > 0 {
		cmd = set.Px(ttl).Build()
	} else {
		cmd = set.Build()
	}

	if err := l.client.Do(ctx, cmd).Error(); err != nil {
		return store.WrapError(err, l.config.Name, "set")
	}
	return nil
}

// Delete removes key.
func (l *Layer) Delete(ctx context.Context, key string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}

	if err := l.client.Do(ctx, l.client.B().Del().Key(l.key(key)).Build()).Error(); err != nil {
		return store.WrapError(err, l.config.Name, "delete")
	}
	return nil
}

// TTL returns the remaining time to live of key, or -1 when it has none.
func (l *Layer) TTL(ctx context.Context, key string) (time.Duration, error) {
	resp := l.client.Do(ctx, l.client.B().Pttl().Key(l.key(key)).Build())
	if err := resp.Error(); err != nil {
		return 0, store.WrapError(err, l.config.Name, "ttl")
	}

	ms, err := resp.AsInt64()
	if err != nil {
		return 0, store.WrapError(fmt.Errorf("read response: %w", err), l.config.Name, "ttl")
	}

	switch ms {
	case -2:
		return 0, store.ErrKeyNotFound
	case -1:
		return -1, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Ping checks the connection.
func (l *Layer) Ping(ctx context.Context) error {
	if err := l.client.Do(ctx, l.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.config.Name
}

// Close closes the client.
func (l *Layer) Close() error {
	l.client.Close()
	return nil
}

var (
	_ store.Layer       = (*Layer)(nil)
	_ store.TTLReporter = (*Layer)(nil)
)
