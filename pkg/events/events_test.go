package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"bankconnect/pkg/logging"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	declared   []string
	published  []published
	publishErr error
	closed     int
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func TestConsentResolvedJSON(t *testing.T) {
	event := ConsentResolved{
		Kind:         "AIS",
		Status:       "OK",
		RedirectCode: "code-1",
		Payload:      json.RawMessage(`{"a":1}`),
		Timestamp:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := event.ToJSON()
	require.NoError(t, err)

	got, err := ConsentResolvedFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, event.Kind, got.Kind)
	assert.Equal(t, event.RedirectCode, got.RedirectCode)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
	assert.True(t, event.Timestamp.Equal(got.Timestamp))

	_, err = ConsentResolvedFromJSON([]byte("{"))
	assert.Error(t, err)
}

func TestAMQPPublisherPublishes(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, AMQPConfig{Exchange: "bankconnect", RoutingKey: "consent.resolved"}, logging.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"bankconnect:topic"}, ch.declared)

	err = p.PublishConsentResolved(context.Background(), ConsentResolved{Kind: "AIS", Status: "OK", RedirectCode: "c"})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "bankconnect", got.exchange)
	assert.Equal(t, "consent.resolved", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, got.msg.DeliveryMode)
	assert.False(t, got.msg.Timestamp.IsZero(), "timestamp filled in")

	event, err := ConsentResolvedFromJSON(got.msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", event.Status)
}

func TestAMQPPublisherError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel/connection is not open")}
	p, err := newAMQPPublisher(ch, AMQPConfig{Exchange: "x"}, nil)
	require.NoError(t, err)

	err = p.PublishConsentResolved(context.Background(), ConsentResolved{Kind: "AIS"})
	assert.ErrorContains(t, err, "publish event")
}

func TestAMQPPublisherClose(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, AMQPConfig{Exchange: "x"}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, ch.closed)

	err = p.PublishConsentResolved(context.Background(), ConsentResolved{})
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.PublishConsentResolved(context.Background(), ConsentResolved{Kind: "PIS"}))

	boom := errors.New("boom")
	r.FailWith(boom)
	assert.ErrorIs(t, r.PublishConsentResolved(context.Background(), ConsentResolved{}), boom)

	events := r.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "PIS", events[0].Kind)
}

func TestAMQPPublisherIntegration(t *testing.T) {
	url := os.Getenv("BANKCONNECT_TEST_AMQP_URL")
	if url == "" {
		t.Skip("BANKCONNECT_TEST_AMQP_URL not set")
	}

	p, err := NewAMQPPublisher(AMQPConfig{URL: url, Exchange: "bankconnect-test", RoutingKey: "consent.resolved"}, nil)
	require.NoError(t, err)
	defer p.Close()

	err = p.PublishConsentResolved(context.Background(), ConsentResolved{Kind: "AIS", Status: "OK"})
	assert.NoError(t, err)
}
