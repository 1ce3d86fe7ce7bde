package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"bankconnect/pkg/logging"

	"go.uber.org/zap"
)

// Errors returned by the async publisher.
var (
	// ErrQueueFull is returned when the queue stayed full for MaxWait.
	ErrQueueFull = errors.New("events: queue full, event dropped")

	// ErrFlushTimeout is returned when Flush gives up waiting for the queue.
	ErrFlushTimeout = errors.New("events: flush timeout exceeded")
)

// AsyncConfig configures the async publisher.
type AsyncConfig struct {
	// QueueSize is the bounded queue size (default: 256)
	QueueSize int

	// Workers is the number of concurrent publishers (default: 1).
	// A single worker keeps events in resolution order.
	Workers int

	// MaxWait is how long Publish waits on a full queue (default: 10ms)
	MaxWait time.Duration
}

// AsyncStats reports what the async publisher did so far.
type AsyncStats struct {
	QueueDepth int
	Enqueued   int64
	Dropped    int64
	Failed     int64
}

// AsyncPublisher hands events to a worker pool so a slow broker never
// blocks the redirect response.
type AsyncPublisher struct {
	next   Publisher
	queue  chan ConsentResolved
	config AsyncConfig
	logger *logging.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	enqueued int64
	dropped  int64
	failed   int64
}

// NewAsyncPublisher starts the workers. Close must be called to drain them.
func NewAsyncPublisher(next Publisher, config AsyncConfig, logger *logging.Logger) *AsyncPublisher {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxWait == 0 {
		config.MaxWait = 10 * time.Millisecond
	}
	if logger == nil {
		logger = logging.L()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &AsyncPublisher{
		next:   next,
		queue:  make(chan ConsentResolved, config.QueueSize),
		config: config,
		logger: logger.Named("events"),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// PublishConsentResolved enqueues event. It returns ErrQueueFull when the
// queue stays full for MaxWait.
func (p *AsyncPublisher) PublishConsentResolved(ctx context.Context, event ConsentResolved) error {
	select {
	case <-p.ctx.Done():
		return ErrPublisherClosed
	default:
	}

	timer := time.NewTimer(p.config.MaxWait)
	defer timer.Stop()

	select {
	case p.queue <- event:
		atomic.AddInt64(&p.enqueued, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&p.dropped, 1)
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPublisherClosed
	}
}

func (p *AsyncPublisher) worker() {
	defer p.wg.Done()

	for {
		select {
		case event := <-p.queue:
			p.publish(event)
		case <-p.ctx.Done():
			// Drain what is left before exiting.
			for {
				select {
				case event := <-p.queue:
					p.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (p *AsyncPublisher) publish(event ConsentResolved) {
	if err := p.next.PublishConsentResolved(context.Background(), event); err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("Failed to publish consent event",
			zap.String("kind", event.Kind),
			zap.String("status", event.Status),
			zap.Error(err))
	}
}

// Flush waits until the queue is empty or timeout passes.
func (p *AsyncPublisher) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for len(p.queue) > 0 {
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Close drains the queue, stops the workers and closes the wrapped publisher.
func (p *AsyncPublisher) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		err = p.next.Close()
	})
	return err
}

// Stats returns current counters.
func (p *AsyncPublisher) Stats() AsyncStats {
	return AsyncStats{
		QueueDepth: len(p.queue),
		Enqueued:   atomic.LoadInt64(&p.enqueued),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Failed:     atomic.LoadInt64(&p.failed),
	}
}

var _ Publisher = (*AsyncPublisher)(nil)
