package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ConsentResolved is emitted when the aggregator confirms the end of a
// consent or payment redirect.
type ConsentResolved struct {
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	RedirectCode string          `json:"redirectCode"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ToJSON converts the event to JSON bytes
func (e ConsentResolved) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ConsentResolvedFromJSON decodes an event published by ToJSON.
func ConsentResolvedFromJSON(data []byte) (ConsentResolved, error) {
	var e ConsentResolved
	if err := json.Unmarshal(data, &e); err != nil {
		return ConsentResolved{}, err
	}
	return e, nil
}

// Publisher delivers consent events to interested parties.
type Publisher interface {
	PublishConsentResolved(ctx context.Context, event ConsentResolved) error
	Close() error
}

// NoOpPublisher drops every event.
type NoOpPublisher struct{}

// PublishConsentResolved does nothing
func (NoOpPublisher) PublishConsentResolved(context.Context, ConsentResolved) error { return nil }

// Close does nothing
func (NoOpPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []ConsentResolved
	err    error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent publishes return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) PublishConsentResolved(_ context.Context, event ConsentResolved) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []ConsentResolved {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConsentResolved(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }

var (
	_ Publisher = NoOpPublisher{}
	_ Publisher = (*Recorder)(nil)
	_ Publisher = (*AMQPPublisher)(nil)
)
