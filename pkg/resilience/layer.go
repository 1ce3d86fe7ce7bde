// Package resilience guards a store.Layer with a circuit breaker and a
// per-operation timeout, reporting both to metrics.
package resilience

import (
	"context"
	"errors"
	"time"

	"bankconnect/pkg/logging"
	"bankconnect/pkg/metrics"
	"bankconnect/pkg/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Layer wraps a store.Layer with circuit breaker and timeout protection.
type Layer struct {
	layer   store.Layer
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// New wraps layer. A nil collector disables metrics.
func New(layer store.Layer, config Config, collector metrics.Collector) *Layer {
	logger := logging.L().Named("resilience").With(zap.String("layer", layer.Name()))

	rl := &Layer{
		layer:   layer,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(collector),
		logger:  logger,
	}

	readyToTrip := config.CircuitBreaker.ReadyToTrip

	settings := gobreaker.Settings{
		Name:        layer.Name(),
		MaxRequests: config.CircuitBreaker.MaxRequests,
		Interval:    config.CircuitBreaker.Interval,
		Timeout:     config.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if readyToTrip != nil {
				return readyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		// A missing key or a rejected key says nothing about layer health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, store.ErrKeyNotFound) || errors.Is(err, store.ErrInvalidKey)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			rl.metrics.RecordCircuitState(name, circuitState(to))
		},
	}

	rl.cb = gobreaker.NewCircuitBreaker(settings)

	logger.Debug("resilient layer initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreaker.MaxRequests),
		zap.Duration("circuit_timeout", config.CircuitBreaker.Timeout),
	)

	return rl
}

func circuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Name returns the name of the underlying layer.
func (rl *Layer) Name() string {
	return rl.layer.Name()
}

// State returns the current breaker state.
func (rl *Layer) State() metrics.CircuitState {
	return circuitState(rl.cb.State())
}

// Get reads key through the breaker.
func (rl *Layer) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	ctx, cancel := rl.withTimeout(ctx)
	defer cancel()

	result, err := rl.cb.Execute(func() (interface{}, error) {
		return rl.layer.Get(ctx, key)
	})

	duration := time.Since(start)
	rl.metrics.RecordGet(rl.layer.Name(), err == nil, duration)

	if err != nil {
		return nil, rl.translate(ctx, "get", key, duration, err)
	}

	value, _ := result.([]byte)
	return value, nil
}

// TTL asks the wrapped layer for the remaining lifetime of key. A layer
// that cannot tell is reported as holding keys without expiry.
func (rl *Layer) TTL(ctx context.Context, key string) (time.Duration, error) {
	reporter, ok := rl.layer.(store.TTLReporter)
	if !ok {
		return -1, nil
	}

	start := time.Now()

	ctx, cancel := rl.withTimeout(ctx)
	defer cancel()

	result, err := rl.cb.Execute(func() (interface{}, error) {
		return reporter.TTL(ctx, key)
	})
	if err != nil {
		return 0, rl.translate(ctx, "ttl", key, time.Since(start), err)
	}

	remaining, _ := result.(time.Duration)
	return remaining, nil
}

// Set writes key through the breaker.
func (rl *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()

	ctx, cancel := rl.withTimeout(ctx)
	defer cancel()

	_, err := rl.cb.Execute(func() (interface{}, error) {
		return nil, rl.layer.Set(ctx, key, value, ttl)
	})

	duration := time.Since(start)
	rl.metrics.RecordSet(rl.layer.Name(), err == nil, duration)

	if err != nil {
		return rl.translate(ctx, "set", key, duration, err)
	}
	return nil
}

// Delete removes key through the breaker.
func (rl *Layer) Delete(ctx context.Context, key string) error {
	start := time.Now()

	ctx, cancel := rl.withTimeout(ctx)
	defer cancel()

	_, err := rl.cb.Execute(func() (interface{}, error) {
		return nil, rl.layer.Delete(ctx, key)
	})

	duration := time.Since(start)
	rl.metrics.RecordDelete(rl.layer.Name(), err == nil, duration)

	if err != nil {
		return rl.translate(ctx, "delete", key, duration, err)
	}
	return nil
}

// Close closes the underlying layer.
func (rl *Layer) Close() error {
	return rl.layer.Close()
}

// Unwrap returns the protected layer.
func (rl *Layer) Unwrap() store.Layer {
	return rl.layer
}

func (rl *Layer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rl.timeout > 0 {
		return context.WithTimeout(ctx, rl.timeout)
	}
	return ctx, func() {}
}

// translate maps breaker and deadline failures onto store sentinels and logs
// everything except plain misses.
func (rl *Layer) translate(ctx context.Context, op, key string, duration time.Duration, err error) error {
	switch {
	case errors.Is(err, store.ErrKeyNotFound), errors.Is(err, store.ErrInvalidKey):
		return err

	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rl.logger.Warn("circuit breaker open - request rejected",
			zap.String("operation", op),
			zap.String("key", key),
		)
		return store.WrapError(store.ErrCircuitOpen, rl.layer.Name(), op)

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rl.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.String("key", key),
			zap.Duration("timeout", rl.timeout),
			zap.Duration("elapsed", duration),
		)
		return store.WrapError(store.ErrTimeout, rl.layer.Name(), op)
	}

	rl.logger.Error("store operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Duration("duration", duration),
		zap.String("error_type", store.ClassifyError(err)),
		zap.Error(err),
	)
	return err
}

var (
	_ store.Layer       = (*Layer)(nil)
	_ store.TTLReporter = (*Layer)(nil)
)
