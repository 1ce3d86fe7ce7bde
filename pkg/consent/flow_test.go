package consent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/events"
	"bankconnect/pkg/logging"
	metricsmemory "bankconnect/pkg/metrics/memory"
	"bankconnect/pkg/state"
	"bankconnect/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeResumer struct {
	resp      ais.ResumeResponse
	err       error
	kinds     []string
	lastXSRF  string
	callCount atomic.Int32
}

func (f *fakeResumer) ResumeConsent(ctx context.Context, code, status, xsrf string) (ais.ResumeResponse, error) {
	return f.record("consent", xsrf)
}

func (f *fakeResumer) ResumePayment(ctx context.Context, code, status, xsrf string) (ais.ResumeResponse, error) {
	return f.record("payment", xsrf)
}

func (f *fakeResumer) record(kind, xsrf string) (ais.ResumeResponse, error) {
	f.callCount.Add(1)
	f.kinds = append(f.kinds, kind)
	f.lastXSRF = xsrf
	return f.resp, f.err
}

type recordingNavigator struct {
	locations []string
}

func (n *recordingNavigator) Navigate(_ context.Context, location string) error {
	n.locations = append(n.locations, location)
	return nil
}

func newStore(t *testing.T) *state.Store {
	t.Helper()
	layer := memory.New(memory.Config{})
	t.Cleanup(func() { layer.Close() })
	return state.New(layer, logging.NewNoOpLogger())
}

func consentRequired() *ais.ConsentRequired {
	return &ais.ConsentRequired{
		Location:     "https://bank.example/consent",
		RedirectCode: "ABC",
		AuthID:       "auth-1",
		XSRFToken:    "xsrf-1",
		MaxAge:       300,
	}
}

func TestBeginStoresDescriptorAndNavigates(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	flow := New(&fakeResumer{}, store)
	nav := &recordingNavigator{}

	after, err := flow.IsAfterRedirect(ctx)
	require.NoError(t, err)
	assert.False(t, after)

	require.NoError(t, flow.Begin(ctx, state.KindAIS, consentRequired(), nav))

	assert.Equal(t, []string{"https://bank.example/consent"}, nav.locations)
	desc, ok, err := store.Redirect(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ABC", desc.RedirectCode)
	assert.Equal(t, "xsrf-1", desc.XSRFToken)
	assert.Equal(t, state.KindAIS, desc.Kind)

	st, err := flow.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, PendingRedirect, st.Phase)
}

func TestBeginLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	flow := New(&fakeResumer{}, store)

	first := consentRequired()
	second := consentRequired()
	second.RedirectCode = "XYZ"

	require.NoError(t, flow.Begin(ctx, state.KindAIS, first, nil))
	require.NoError(t, flow.Begin(ctx, state.KindPIS, second, nil))

	desc, ok, err := store.Redirect(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "XYZ", desc.RedirectCode)
	assert.Equal(t, state.KindPIS, desc.Kind)
}

func TestBeginRejectsMissingLocation(t *testing.T) {
	flow := New(&fakeResumer{}, newStore(t))

	err := flow.Begin(context.Background(), state.KindAIS, &ais.ConsentRequired{}, nil)
	assert.ErrorIs(t, err, ais.ErrRedirectProtocol)

	err = flow.Begin(context.Background(), "XX", consentRequired(), nil)
	assert.ErrorIs(t, err, ais.ErrValidation)
}

func TestBeginWarnsOnMissingRedirectCode(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	flow := New(&fakeResumer{}, newStore(t), WithLogger(&logging.Logger{Logger: zap.New(core)}))

	c := consentRequired()
	c.RedirectCode = ""
	require.NoError(t, flow.Begin(context.Background(), state.KindAIS, c, nil))

	warnings := logs.FilterMessage("Consent answer carries no redirect code").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "https://bank.example/consent", warnings[0].ContextMap()["location"])

	core, logs = observer.New(zap.WarnLevel)
	flow = New(&fakeResumer{}, newStore(t), WithLogger(&logging.Logger{Logger: zap.New(core)}))
	require.NoError(t, flow.Begin(context.Background(), state.KindAIS, consentRequired(), nil))
	assert.Zero(t, logs.Len())
}

func TestResumeTerminalClearsDescriptor(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	resumer := &fakeResumer{resp: ais.ResumeResponse{StatusCode: 200, Payload: []byte(`{"done":true}`)}}
	recorder := events.NewRecorder()
	collector := metricsmemory.NewCollector()
	flow := New(resumer, store, WithPublisher(recorder), WithMetrics(collector))

	require.NoError(t, flow.Begin(ctx, state.KindAIS, consentRequired(), nil))

	outcome, err := flow.Resume(ctx, state.KindAIS, "ABC", "OK", &recordingNavigator{})
	require.NoError(t, err)

	assert.True(t, outcome.Resolved)
	assert.False(t, outcome.Redirected)
	assert.Equal(t, StatusOK, outcome.Status)
	assert.Equal(t, "xsrf-1", resumer.lastXSRF, "stored xsrf token is sent back")

	after, err := flow.IsAfterRedirect(ctx)
	require.NoError(t, err)
	assert.False(t, after)

	st, err := flow.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resolved, st.Phase)
	require.NotNil(t, st.Last)
	assert.Equal(t, StatusOK, st.Last.Status)

	published := recorder.Events()
	require.Len(t, published, 1)
	assert.Equal(t, "AIS", published[0].Kind)
	assert.Equal(t, "ABC", published[0].RedirectCode)
	assert.EqualValues(t, 1, collector.ConsentOutcomes("AIS", "resolved_ok"))
}

func TestResumeFollowsBackendRedirect(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	resumer := &fakeResumer{resp: ais.ResumeResponse{StatusCode: 302, Location: "https://bank.example/step-2"}}
	flow := New(resumer, store)
	nav := &recordingNavigator{}

	require.NoError(t, flow.Begin(ctx, state.KindAIS, consentRequired(), nil))

	outcome, err := flow.Resume(ctx, state.KindAIS, "ABC", "OK", nav)
	require.NoError(t, err)

	assert.True(t, outcome.Redirected)
	assert.False(t, outcome.Resolved)
	assert.Equal(t, []string{"https://bank.example/step-2"}, nav.locations)

	after, err := flow.IsAfterRedirect(ctx)
	require.NoError(t, err)
	assert.True(t, after, "descriptor kept while the backend keeps redirecting")
}

func TestResumeInvalidParameters(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	resumer := &fakeResumer{}
	flow := New(resumer, store)

	_, err := flow.Resume(ctx, state.KindAIS, "", "OK", nil)
	assert.ErrorIs(t, err, ais.ErrRedirectProtocol)
	assert.ErrorContains(t, err, "invalid redirect parameters")

	_, err = flow.Resume(ctx, state.KindAIS, "ABC", "", nil)
	assert.ErrorIs(t, err, ais.ErrRedirectProtocol)

	assert.Zero(t, resumer.callCount.Load())
	_, ok, err := store.Redirect(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing was stored")
}

func TestResumeErrorKeepsDescriptor(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	resumer := &fakeResumer{err: &ais.BankError{Op: "consent_resume", StatusCode: 500}}
	flow := New(resumer, store)

	require.NoError(t, flow.Begin(ctx, state.KindAIS, consentRequired(), nil))

	_, err := flow.Resume(ctx, state.KindAIS, "ABC", "OK", nil)
	assert.ErrorIs(t, err, ais.ErrBank)

	after, err := flow.IsAfterRedirect(ctx)
	require.NoError(t, err)
	assert.True(t, after)
}

func TestResumePaymentUsesPaymentEndpoint(t *testing.T) {
	ctx := context.Background()
	resumer := &fakeResumer{resp: ais.ResumeResponse{StatusCode: 200}}
	flow := New(resumer, newStore(t))

	outcome, err := flow.Resume(ctx, state.KindPIS, "ABC", "NOT_OK", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"payment"}, resumer.kinds)
	assert.Equal(t, StatusNotOK, outcome.Status)
}

func TestResumeKindFromDescriptor(t *testing.T) {
	ctx := context.Background()
	resumer := &fakeResumer{resp: ais.ResumeResponse{StatusCode: 200}}
	flow := New(resumer, newStore(t))

	require.NoError(t, flow.Begin(ctx, state.KindPIS, consentRequired(), nil))
	_, err := flow.Resume(ctx, "", "ABC", "OK", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"payment"}, resumer.kinds)
}

func TestPublishFailureDoesNotFailResume(t *testing.T) {
	recorder := events.NewRecorder()
	recorder.FailWith(errors.New("broker down"))
	flow := New(&fakeResumer{resp: ais.ResumeResponse{StatusCode: 200}}, newStore(t), WithPublisher(recorder))

	outcome, err := flow.Resume(context.Background(), state.KindAIS, "ABC", "OK", nil)

	require.NoError(t, err)
	assert.True(t, outcome.Resolved)
}

func TestStateNoConsent(t *testing.T) {
	flow := New(&fakeResumer{}, newStore(t))

	st, err := flow.State(context.Background())

	require.NoError(t, err)
	assert.Equal(t, NoConsent, st.Phase)
	assert.Equal(t, "no_consent", st.Name)
}

// Accounts need consent, the user visits the bank and comes back with
// redirectCode=ABC and status=OK.
func TestConsentRoundTrip(t *testing.T) {
	ctx := context.Background()
	var consented atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/banking/ais/accounts":
			if !consented.Load() {
				w.Header().Set("Location", "https://bank.example/consent?redirectCode=ABC&authId=auth-1")
				w.Header().Set("X-XSRF-TOKEN", "xsrf-1")
				w.WriteHeader(http.StatusAccepted)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"accounts":[{"resourceId":"a1","iban":"DE001"}]}`))
		case "/consent/fromAspsp/ABC":
			assert.Equal(t, "OK", r.URL.Query().Get("status"))
			assert.Equal(t, "xsrf-1", r.Header.Get("X-XSRF-TOKEN"))
			consented.Store(true)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := ais.DefaultConfig()
	cfg.BaseURL = srv.URL
	client, err := ais.New(cfg)
	require.NoError(t, err)

	store := newStore(t)
	flow := New(client, store)
	nav := &recordingNavigator{}

	result, err := client.GetAccounts(ctx, "53c47f54-b9a4-465a-8f77-bc6cd5f0cf46", true)
	require.NoError(t, err)
	consent, ok := result.Consent()
	require.True(t, ok)

	require.NoError(t, flow.Begin(ctx, state.KindAIS, consent, nav))
	desc, ok, err := store.Redirect(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ABC", desc.RedirectCode)

	outcome, err := flow.Resume(ctx, state.KindAIS, "ABC", "OK", nav)
	require.NoError(t, err)
	assert.True(t, outcome.Resolved)
	assert.Equal(t, StatusOK, outcome.Status)

	after, err := store.IsAfterRedirect(ctx)
	require.NoError(t, err)
	assert.False(t, after)

	result, err = client.GetAccounts(ctx, "53c47f54-b9a4-465a-8f77-bc6cd5f0cf46", true)
	require.NoError(t, err)
	accounts, ok := result.Data()
	require.True(t, ok)
	assert.Len(t, accounts, 1)
}
