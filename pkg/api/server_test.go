package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/banking"
	"bankconnect/pkg/consent"
	"bankconnect/pkg/logging"
	memorycollector "bankconnect/pkg/metrics/memory"
	"bankconnect/pkg/state"
	"bankconnect/pkg/store/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBankID = "53c47f54-b9a4-465a-8f77-bc6cd5f0cf46"

type testEnv struct {
	server    *Server
	store     *state.Store
	collector *memorycollector.Collector
	consented *atomic.Bool
	resumes   *atomic.Int32
}

// fakeAggregator answers like the fintech API: accounts need consent until
// the consent redirect has been resumed with status OK.
func fakeAggregator(consented *atomic.Bool, resumes *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"bad credentials"}`))
				return
			}
			w.Header().Set("X-XSRF-TOKEN", "token-1")
			_, _ = w.Write([]byte(`{"userProfile":{"name":"anton"}}`))
		case "/logout":
			w.WriteHeader(http.StatusOK)
		case "/search/bankSearch":
			_, _ = w.Write([]byte(`{"bankDescriptor":[{"uuid":"b1","bankName":"Sparkasse","bic":"SPK","bankCode":"1",
				"profiles":[{"uuid":"` + testBankID + `","protocolType":"XS2A"}]}]}`))
		case "/search/bankProfile":
			_, _ = w.Write([]byte(`{"bankProfile":{"bankName":"Sparkasse","services":["LIST_ACCOUNTS"]}}`))
		case "/banking/ais/accounts":
			if !consented.Load() {
				w.Header().Set("Location", "https://bank.example/consent?redirectCode=ABC")
				w.WriteHeader(http.StatusAccepted)
				return
			}
			_, _ = w.Write([]byte(`{"accounts":[{"resourceId":"a1","iban":"DE001","name":"Main"}]}`))
		case "/banking/ais/accounts/a1/transactions":
			if r.URL.Query().Get("dateFrom") == "2020-01-01" {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"transactions":{"booked":[{"transactionId":"t1","transactionAmount":{"amount":"1.00","currency":"EUR"}}],"pending":[]}}`))
		case "/consent/fromAspsp/ABC":
			resumes.Add(1)
			if resumes.Load() == 1 && r.URL.Query().Get("status") == "OK" {
				w.Header().Set("Location", "https://bank.example/sca")
				w.WriteHeader(http.StatusFound)
				return
			}
			consented.Store(true)
			_, _ = w.Write([]byte(`{}`))
		case "/consent/fromAspsp/BROKEN":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"consent expired"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func setupTestServer(t *testing.T, config Config) *testEnv {
	t.Helper()

	env := &testEnv{consented: &atomic.Bool{}, resumes: &atomic.Int32{}}
	upstream := httptest.NewServer(fakeAggregator(env.consented, env.resumes))
	t.Cleanup(upstream.Close)

	cfg := ais.DefaultConfig()
	cfg.BaseURL = upstream.URL
	client, err := ais.New(cfg)
	require.NoError(t, err)

	layer := memory.New(memory.Config{})
	t.Cleanup(func() { layer.Close() })

	logger := logging.NewNoOpLogger()
	env.store = state.New(layer, logger)
	env.collector = memorycollector.NewCollector()
	flow := consent.New(client, env.store, consent.WithMetrics(env.collector))

	env.server = NewServer(Deps{
		Auth:     client,
		Banking:  banking.New(client, env.store, flow, logger),
		Flow:     flow,
		Store:    env.store,
		Metrics:  env.collector,
		Gatherer: prometheus.NewRegistry(),
		Logger:   logger,
	}, config)
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestServer_Health(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_Metrics(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Login(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodPost, "/api/login", `{"username":"anton","password":"secret"}`)
	require.Equal(t, http.StatusOK, w.Code)
	profile := decode(t, w)["userProfile"].(map[string]interface{})
	assert.Equal(t, "anton", profile["name"])

	w = env.do(t, http.MethodPost, "/api/login", `{"username":"anton","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication", decode(t, w)["kind"])

	w = env.do(t, http.MethodPost, "/api/login", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/logout", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestServer_SearchBanks(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodGet, "/api/banks?q=Sp", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["banks"])

	w = env.do(t, http.MethodGet, "/api/banks?q=Spar", "")
	require.Equal(t, http.StatusOK, w.Code)
	banks := decode(t, w)["banks"].([]interface{})
	require.Len(t, banks, 1)
	assert.Equal(t, "Sparkasse (XS2A)", banks[0].(map[string]interface{})["name"])

	assert.EqualValues(t, 2, env.collector.HTTPRequests("GET /api/banks", http.StatusOK))
}

func TestServer_BankProfile(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodGet, "/api/banks/"+testBankID+"/profile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Sparkasse", decode(t, w)["bankName"])

	name, ok, err := env.store.BankName(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Sparkasse", name)

	w = env.do(t, http.MethodGet, "/api/banks/not-a-uuid/profile", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decode(t, w)["kind"])
}

func TestServer_ConsentRoundTrip(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	// Accounts need consent first.
	w := env.do(t, http.MethodGet, "/api/banks/"+testBankID+"/accounts", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "https://bank.example/consent?redirectCode=ABC", w.Header().Get("Location"))
	assert.Equal(t, "https://bank.example/consent?redirectCode=ABC", decode(t, w)["redirectTo"])

	w = env.do(t, http.MethodGet, "/api/redirect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending_redirect", decode(t, w)["phase"])

	// The backend redirects once more; the descriptor stays.
	w = env.do(t, http.MethodGet, "/consent/redirect?redirectCode=ABC&status=OK", "")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://bank.example/sca", w.Header().Get("Location"))
	after, err := env.store.IsAfterRedirect(context.Background())
	require.NoError(t, err)
	assert.True(t, after)

	// Terminal answer resolves the flow.
	w = env.do(t, http.MethodGet, "/consent/redirect?redirectCode=ABC&status=OK", "")
	require.Equal(t, http.StatusOK, w.Code)
	outcome := decode(t, w)
	assert.Equal(t, true, outcome["resolved"])
	assert.Equal(t, "OK", outcome["status"])

	after, err = env.store.IsAfterRedirect(context.Background())
	require.NoError(t, err)
	assert.False(t, after)

	w = env.do(t, http.MethodGet, "/api/banks/"+testBankID+"/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	accounts := decode(t, w)["accounts"].([]interface{})
	assert.Len(t, accounts, 1)

	assert.EqualValues(t, 1, env.collector.ConsentOutcomes("AIS", "resolved_ok"))
}

func TestServer_BankReturnInvalidParameters(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodGet, "/consent/redirect?status=OK", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "redirect_protocol", body["kind"])
	assert.Contains(t, body["error"], "invalid redirect parameters")
	assert.Zero(t, env.resumes.Load())
}

func TestServer_BankReturnUpstreamError(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodGet, "/consent/redirect?redirectCode=BROKEN&status=OK", "")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "consent expired", body["error"])
	assert.EqualValues(t, http.StatusConflict, body["upstreamStatus"])
}

func TestServer_BankReturnToApp(t *testing.T) {
	config := DefaultConfig()
	config.AppURL = "http://app.example/done"
	env := setupTestServer(t, config)
	env.resumes.Store(1)

	w := env.do(t, http.MethodGet, "/consent/redirect?redirectCode=ABC&status=OK", "")

	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "http://app.example/done?consent=OK&kind=AIS", w.Header().Get("Location"))
}

func TestServer_Transactions(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())
	env.consented.Store(true)

	w := env.do(t, http.MethodGet, "/api/banks/"+testBankID+"/accounts/a1/transactions?dateFrom=2026-01-01&dateTo=2026-01-31", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "2026-01-01", body["dateFrom"])
	assert.Len(t, body["transactions"], 1)

	w = env.do(t, http.MethodGet, "/api/banks/"+testBankID+"/accounts/a1/transactions?dateFrom=01.01.2026", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/banks/"+testBankID+"/accounts/a1/transactions?dateFrom=2026-02-01&dateTo=2026-01-01", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/banks/"+testBankID+"/accounts/a1/transactions?dateFrom=2020-01-01&dateTo=2020-01-31", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "transient", decode(t, w)["kind"])
}

func TestServer_Settings(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["withBalance"])

	w = env.do(t, http.MethodPatch, "/api/settings", `{"withBalance":false,"cacheLoa":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["withBalance"])
	assert.Equal(t, true, body["cacheLoa"])
	assert.Equal(t, state.RetrievalFromTPPWithAvailableConsent, body["loa"], "unpatched fields keep their value")

	w = env.do(t, http.MethodPatch, "/api/settings", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/api/settings", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/settings", "")
	assert.Equal(t, true, decode(t, w)["withBalance"])
}

func TestServer_MethodNotAllowed(t *testing.T) {
	env := setupTestServer(t, DefaultConfig())

	w := env.do(t, http.MethodPost, "/api/banks", "")

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_StartStop(t *testing.T) {
	config := DefaultConfig()
	config.Address = "127.0.0.1:0"
	env := setupTestServer(t, config)

	errc := env.server.Start()
	require.NoError(t, env.server.Stop(context.Background()))

	for err := range errc {
		t.Fatalf("unexpected listener error: %v", err)
	}
}
