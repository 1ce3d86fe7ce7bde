package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/events"
	"bankconnect/pkg/logging"
	"bankconnect/pkg/metrics"
	"bankconnect/pkg/state"

	"go.uber.org/zap"
)

// Status is the outcome the bank reports on return.
type Status string

const (
	StatusOK    Status = "OK"
	StatusNotOK Status = "NOT_OK"
)

// Phase is the position of the flow in its state machine.
type Phase int

const (
	NoConsent Phase = iota
	PendingRedirect
	Resolved
)

func (p Phase) String() string {
	switch p {
	case NoConsent:
		return "no_consent"
	case PendingRedirect:
		return "pending_redirect"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// State is a snapshot of the flow.
type State struct {
	Phase    Phase                     `json:"-"`
	Name     string                    `json:"phase"`
	Redirect *state.RedirectDescriptor `json:"redirect,omitempty"`
	Last     *Outcome                  `json:"last,omitempty"`
}

// Outcome reports what a Resume did. Exactly one of Redirected and
// Resolved is true.
type Outcome struct {
	Kind       state.RedirectKind `json:"kind"`
	Status     Status             `json:"status,omitempty"`
	Resolved   bool               `json:"resolved"`
	Redirected bool               `json:"redirected"`
	Location   string             `json:"location,omitempty"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
}

// Navigator sends the user agent somewhere else. A nil Navigator leaves
// navigation to the caller, which finds the target in the result.
type Navigator interface {
	Navigate(ctx context.Context, location string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, location string) error

func (f NavigatorFunc) Navigate(ctx context.Context, location string) error {
	return f(ctx, location)
}

// Resumer is the backend half of a return from the bank.
type Resumer interface {
	ResumeConsent(ctx context.Context, redirectCode, status, xsrfToken string) (ais.ResumeResponse, error)
	ResumePayment(ctx context.Context, redirectCode, status, xsrfToken string) (ais.ResumeResponse, error)
}

// Flow drives the bank redirect round trip. The pending redirect lives in
// the state store so it survives restarts; at most one is tracked.
type Flow struct {
	resumer   Resumer
	store     *state.Store
	publisher events.Publisher
	metrics   metrics.Collector
	logger    *logging.Logger
	now       func() time.Time

	mu   sync.Mutex
	last *Outcome
}

// Option customises a Flow.
type Option func(*Flow)

func WithPublisher(p events.Publisher) Option {
	return func(f *Flow) {
		if p != nil {
			f.publisher = p
		}
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(f *Flow) { f.metrics = metrics.OrNoOp(m) }
}

func WithLogger(l *logging.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a flow over resumer and store.
func New(resumer Resumer, store *state.Store, opts ...Option) *Flow {
	f := &Flow{
		resumer:   resumer,
		store:     store,
		publisher: events.NoOpPublisher{},
		metrics:   metrics.NoOpCollector{},
		logger:    logging.L(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("consent")
	return f
}

// Begin records the pending redirect described by c and navigates to the
// bank. A previously pending redirect is replaced.
func (f *Flow) Begin(ctx context.Context, kind state.RedirectKind, c *ais.ConsentRequired, nav Navigator) error {
	if c == nil || c.Location == "" {
		return &ais.RedirectProtocolError{Reason: "consent required without redirect location"}
	}
	if !kind.Valid() {
		return &ais.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown redirect kind %q", kind)}
	}

	if c.RedirectCode == "" {
		f.logger.Warn("Consent answer carries no redirect code",
			zap.String("kind", string(kind)),
			zap.String("location", c.Location))
	}

	desc := state.RedirectDescriptor{
		RedirectCode: c.RedirectCode,
		AuthID:       c.AuthID,
		XSRFToken:    c.XSRFToken,
		MaxAge:       c.MaxAge,
		Kind:         kind,
		CreatedAt:    f.now().UTC(),
	}
	if err := f.store.SetRedirect(ctx, desc); err != nil {
		return fmt.Errorf("consent: store pending redirect: %w", err)
	}

	f.mu.Lock()
	f.last = nil
	f.mu.Unlock()

	f.metrics.RecordConsentOutcome(string(kind), "started")
	f.logger.Info("Redirecting to bank",
		zap.String("kind", string(kind)),
		zap.String("auth_id", c.AuthID),
		zap.Int("max_age", c.MaxAge))

	if nav == nil {
		return nil
	}
	if err := nav.Navigate(ctx, c.Location); err != nil {
		return fmt.Errorf("consent: navigate to bank: %w", err)
	}
	return nil
}

// Resume handles the return from the bank. A further redirect from the
// backend is followed and keeps the redirect pending; a terminal answer
// clears it and resolves the flow with status.
func (f *Flow) Resume(ctx context.Context, kind state.RedirectKind, redirectCode, status string, nav Navigator) (Outcome, error) {
	if redirectCode == "" || status == "" {
		f.metrics.RecordConsentOutcome(string(kind), "invalid")
		f.logger.Warn("Invalid redirect parameters",
			zap.Bool("has_redirect_code", redirectCode != ""),
			zap.Bool("has_status", status != ""))
		return Outcome{}, &ais.RedirectProtocolError{Reason: "invalid redirect parameters"}
	}

	pending, found, err := f.store.Redirect(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("consent: read pending redirect: %w", err)
	}
	if kind == "" && found {
		kind = pending.Kind
	}
	if kind == "" {
		kind = state.KindAIS
	}
	if !kind.Valid() {
		return Outcome{}, &ais.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown redirect kind %q", kind)}
	}
	if !found {
		f.logger.Warn("Return from bank without a pending redirect", zap.String("kind", string(kind)))
	}

	resume := f.resumer.ResumeConsent
	if kind == state.KindPIS {
		resume = f.resumer.ResumePayment
	}

	resp, err := resume(ctx, redirectCode, status, pending.XSRFToken)
	if err != nil {
		f.metrics.RecordConsentOutcome(string(kind), ais.Classify(err))
		return Outcome{}, err
	}

	if resp.Redirected() {
		f.metrics.RecordConsentOutcome(string(kind), "redirected")
		f.logger.Info("Backend redirected again", zap.String("kind", string(kind)))
		if nav != nil {
			if err := nav.Navigate(ctx, resp.Location); err != nil {
				return Outcome{}, fmt.Errorf("consent: navigate: %w", err)
			}
		}
		return Outcome{Kind: kind, Redirected: true, Location: resp.Location}, nil
	}

	if err := f.store.ClearRedirect(ctx); err != nil {
		return Outcome{}, fmt.Errorf("consent: clear pending redirect: %w", err)
	}

	outcome := Outcome{
		Kind:     kind,
		Status:   Status(status),
		Resolved: true,
		Payload:  resp.Payload,
	}
	f.mu.Lock()
	f.last = &outcome
	f.mu.Unlock()

	f.metrics.RecordConsentOutcome(string(kind), "resolved_"+outcomeLabel(outcome.Status))
	f.logger.Info("Consent resolved",
		zap.String("kind", string(kind)),
		zap.String("status", status))

	event := events.ConsentResolved{
		Kind:         string(kind),
		Status:       status,
		RedirectCode: redirectCode,
		Payload:      resp.Payload,
		Timestamp:    f.now().UTC(),
	}
	if err := f.publisher.PublishConsentResolved(ctx, event); err != nil {
		f.logger.Warn("Failed to publish consent event", zap.Error(err))
	}

	return outcome, nil
}

// State reports the current phase. A stored descriptor means a redirect is
// pending; otherwise the last outcome resolved in this process, if any,
// makes the phase Resolved.
func (f *Flow) State(ctx context.Context) (State, error) {
	pending, found, err := f.store.Redirect(ctx)
	if err != nil {
		return State{}, fmt.Errorf("consent: read pending redirect: %w", err)
	}
	if found {
		return State{Phase: PendingRedirect, Name: PendingRedirect.String(), Redirect: &pending}, nil
	}

	f.mu.Lock()
	last := f.last
	f.mu.Unlock()
	if last != nil {
		return State{Phase: Resolved, Name: Resolved.String(), Last: last}, nil
	}
	return State{Phase: NoConsent, Name: NoConsent.String()}, nil
}

// IsAfterRedirect reports whether a redirect is pending.
func (f *Flow) IsAfterRedirect(ctx context.Context) (bool, error) {
	return f.store.IsAfterRedirect(ctx)
}

func outcomeLabel(s Status) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotOK:
		return "not_ok"
	default:
		return "other"
	}
}
