// Package chain stacks store layers from fastest (L1) to most durable (LN).
//
// Reads fall through until a layer answers and then warm the layers above it.
// Writes go to the durable layer first so that a failed write never leaves a
// value visible only in memory.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bankconnect/pkg/logging"
	"bankconnect/pkg/metrics"
	"bankconnect/pkg/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultWarmTTL bounds how long a warmed copy lives in an upper layer.
// It caps staleness when another process writes the durable layer.
const DefaultWarmTTL = time.Minute

// Config tunes a chain.
type Config struct {
	// WarmTTL is the ttl used when copying a value into upper layers.
	WarmTTL time.Duration

	// Metrics receives chain-level read metrics. Nil disables them.
	Metrics metrics.Collector
}

// Chain is a store.Layer over an ordered list of layers.
type Chain struct {
	layers  []store.Layer
	warmTTL time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
	sf      singleflight.Group
}

// New creates a chain. Layers are ordered from fastest to slowest.
func New(config Config, layers ...store.Layer) (*Chain, error) {
	if len(layers) == 0 {
		return nil, errors.New("chain: at least one layer required")
	}
	if config.WarmTTL <= 0 {
		config.WarmTTL = DefaultWarmTTL
	}

	ls := make([]store.Layer, len(layers))
	copy(ls, layers)

	return &Chain{
		layers:  ls,
		warmTTL: config.WarmTTL,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logging.L().Named("chain"),
	}, nil
}

// Name returns "chain".
func (c *Chain) Name() string {
	return "chain"
}

// Get returns the value from the first layer that has it.
// Concurrent reads of the same key share one traversal.
func (c *Chain) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.getWithFallback(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	value := result.([]byte)
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (c *Chain) getWithFallback(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var firstErr error

	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := layer.Get(ctx, key)
		if err != nil {
			if !store.IsNotFound(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}

		if i > 0 {
			c.warmUpperLayers(ctx, key, value, i)
		}
		c.metrics.RecordChainGet(true, i, time.Since(start))
		return value, nil
	}

	c.metrics.RecordChainGet(false, -1, time.Since(start))

	// A failing layer may hold the value; a miss would be a lie.
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, store.ErrKeyNotFound
}

// warmUpperLayers copies value into every layer above hitIndex.
// Failures are logged and otherwise ignored.
func (c *Chain) warmUpperLayers(ctx context.Context, key string, value []byte, hitIndex int) {
	ttl, ok := c.warmTTLFor(ctx, c.layers[hitIndex], key)
	if !ok {
		return
	}

	for i := hitIndex - 1; i >= 0; i-- {
		if err := c.layers[i].Set(ctx, key, value, ttl); err != nil {
			c.logger.Warn("warm-up failed",
				zap.String("layer", c.layers[i].Name()),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// warmTTLFor caps the warm ttl at what the source layer has left for key.
// ok is false when nothing should be warmed.
func (c *Chain) warmTTLFor(ctx context.Context, source store.Layer, key string) (time.Duration, bool) {
	reporter, isReporter := source.(store.TTLReporter)
	if !isReporter {
		return c.warmTTL, true
	}

	remaining, err := reporter.TTL(ctx, key)
	switch {
	case err != nil:
		c.logger.Debug("skipping warm-up, remaining ttl unknown",
			zap.String("layer", source.Name()),
			zap.String("key", key),
			zap.Error(err),
		)
		return 0, false
	case remaining < 0 || remaining > c.warmTTL:
		return c.warmTTL, true
	case remaining == 0:
		return 0, false
	}
	return remaining, true
}

// Set writes value to every layer, most durable first. If a layer fails the
// key is removed from the layers above it and the error is returned.
func (c *Chain) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.sf.Forget(key)

	for i := len(c.layers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.layers[i].Set(ctx, key, value, ttl); err != nil {
			c.invalidateAbove(ctx, key, i)
			return err
		}
	}
	return nil
}

// Delete removes key from every layer, attempting all of them.
func (c *Chain) Delete(ctx context.Context, key string) error {
	c.sf.Forget(key)

	var errs []error
	for _, layer := range c.layers {
		if err := layer.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) invalidateAbove(ctx context.Context, key string, index int) {
	for i := index - 1; i >= 0; i-- {
		if err := c.layers[i].Delete(ctx, key); err != nil {
			c.logger.Warn("invalidate failed",
				zap.String("layer", c.layers[i].Name()),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// Close closes all layers and returns their joined errors.
func (c *Chain) Close() error {
	var errs []error
	for _, layer := range c.layers {
		if err := layer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Layers returns a copy of the layers slice.
func (c *Chain) Layers() []store.Layer {
	layers := make([]store.Layer, len(c.layers))
	copy(layers, c.layers)
	return layers
}

// Len returns the number of layers in the chain.
func (c *Chain) Len() int {
	return len(c.layers)
}

// String returns e.g. "chain(2 layers): memory -> sqlite".
func (c *Chain) String() string {
	names := make([]string, len(c.layers))
	for i, layer := range c.layers {
		names[i] = layer.Name()
	}
	return fmt.Sprintf("chain(%d layers): %s", len(c.layers), strings.Join(names, " -> "))
}

var _ store.Layer = (*Chain)(nil)
