package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bankconnect/pkg/config"
	"bankconnect/pkg/logging"
	"bankconnect/pkg/metrics"
	"bankconnect/pkg/resilience"
	"bankconnect/pkg/store"
	"bankconnect/pkg/store/chain"
	"bankconnect/pkg/store/memory"
	"bankconnect/pkg/store/postgres"
	"bankconnect/pkg/store/redis"
	"bankconnect/pkg/store/sqlite"

	"go.uber.org/zap"
)

// openStore builds the layer stack selected by cfg.Store: the durable
// backend, wrapped in a circuit breaker when remote, optionally fronted by
// an in-process layer.
func openStore(ctx context.Context, cfg config.Config, collector metrics.Collector) (store.Layer, error) {
	var durable store.Layer

	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(memory.Config{Name: "memory"}), nil

	case config.BackendSQLite:
		l, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLite.Path})
		if err != nil {
			return nil, err
		}
		durable = l

	case config.BackendRedis:
		rc := redis.DefaultConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Username = cfg.Redis.Username
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		if cfg.Redis.KeyPrefix != "" {
			rc.KeyPrefix = cfg.Redis.KeyPrefix
		}
		l, err := redis.New(rc)
		if err != nil {
			return nil, err
		}
		durable = resilience.New(l, resilience.DefaultConfig().WithTimeout(cfg.Store.Timeout), collector)

	case config.BackendPostgres:
		pc := postgres.DefaultConfig()
		if cfg.Postgres.Table != "" {
			pc.Table = cfg.Postgres.Table
		}
		l, err := postgres.OpenDSN(ctx, cfg.Postgres.DSN, pc)
		if err != nil {
			return nil, err
		}
		durable = resilience.New(l, resilience.DefaultConfig().WithTimeout(cfg.Store.Timeout), collector)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if !cfg.Store.MemoryFront {
		return durable, nil
	}

	front := memory.New(memory.Config{Name: "memory", MaxEntries: 1024})
	c, err := chain.New(chain.Config{WarmTTL: cfg.Store.WarmTTL, Metrics: collector}, front, durable)
	if err != nil {
		front.Close()
		durable.Close()
		return nil, err
	}
	return c, nil
}

type expiryPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// purgeExpired periodically deletes expired rows from durable layers that
// only drop them lazily on read.
func purgeExpired(ctx context.Context, layer store.Layer, every time.Duration, logger *logging.Logger) {
	var purgers []expiryPurger
	layers := []store.Layer{layer}
	if c, ok := layer.(*chain.Chain); ok {
		layers = c.Layers()
	}
	for _, l := range layers {
		if rl, ok := l.(*resilience.Layer); ok {
			l = rl.Unwrap()
		}
		if p, ok := l.(expiryPurger); ok {
			purgers = append(purgers, p)
		}
	}
	if len(purgers) == 0 {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range purgers {
				n, err := p.PurgeExpired(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("Failed to purge expired entries", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Debug("Purged expired entries", zap.Int64("count", n))
				}
			}
		}
	}
}
