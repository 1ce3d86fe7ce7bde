package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"bankconnect/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingPublisher holds every publish until release is closed.
type blockingPublisher struct {
	*Recorder
	release chan struct{}
}

func (b *blockingPublisher) PublishConsentResolved(ctx context.Context, event ConsentResolved) error {
	<-b.release
	return b.Recorder.PublishConsentResolved(ctx, event)
}

func TestAsyncPublisher_DeliversInOrder(t *testing.T) {
	rec := NewRecorder()
	p := NewAsyncPublisher(rec, AsyncConfig{}, logging.NewNoOpLogger())

	for _, code := range []string{"c1", "c2", "c3"} {
		require.NoError(t, p.PublishConsentResolved(context.Background(), ConsentResolved{Kind: "AIS", RedirectCode: code}))
	}
	require.NoError(t, p.Flush(time.Second))
	require.NoError(t, p.Close())

	got := rec.Events()
	require.Len(t, got, 3)
	assert.Equal(t, "c1", got[0].RedirectCode)
	assert.Equal(t, "c3", got[2].RedirectCode)
	assert.Equal(t, int64(3), p.Stats().Enqueued)
}

func TestAsyncPublisher_DropsWhenFull(t *testing.T) {
	bp := &blockingPublisher{Recorder: NewRecorder(), release: make(chan struct{})}
	p := NewAsyncPublisher(bp, AsyncConfig{QueueSize: 1, MaxWait: time.Millisecond}, logging.NewNoOpLogger())

	ctx := context.Background()
	// The worker takes the first event and blocks, the second fills the queue.
	require.NoError(t, p.PublishConsentResolved(ctx, ConsentResolved{RedirectCode: "c1"}))
	require.Eventually(t, func() bool { return p.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.PublishConsentResolved(ctx, ConsentResolved{RedirectCode: "c2"}))

	err := p.PublishConsentResolved(ctx, ConsentResolved{RedirectCode: "c3"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Dropped)

	close(bp.release)
	require.NoError(t, p.Close())
	assert.Len(t, bp.Events(), 2)
}

func TestAsyncPublisher_CountsFailures(t *testing.T) {
	rec := NewRecorder()
	rec.FailWith(errors.New("broker down"))
	p := NewAsyncPublisher(rec, AsyncConfig{}, logging.NewNoOpLogger())

	require.NoError(t, p.PublishConsentResolved(context.Background(), ConsentResolved{RedirectCode: "c1"}))
	require.NoError(t, p.Close())

	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestAsyncPublisher_Closed(t *testing.T) {
	p := NewAsyncPublisher(NewRecorder(), AsyncConfig{}, logging.NewNoOpLogger())
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.PublishConsentResolved(context.Background(), ConsentResolved{})
	assert.ErrorIs(t, err, ErrPublisherClosed)
}
