package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/banking"
	"bankconnect/pkg/consent"
	"bankconnect/pkg/logging"
	"bankconnect/pkg/metrics"
	"bankconnect/pkg/state"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// Authenticator opens and closes the aggregator session.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (ais.Session, error)
	Logout(ctx context.Context) error
}

// Deps are the components the server exposes.
type Deps struct {
	Auth     Authenticator
	Banking  *banking.Service
	Flow     *consent.Flow
	Store    *state.Store
	Metrics  metrics.Collector
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Config holds configuration for the API server.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// AppURL is where the browser lands after a resolved redirect. When
	// empty the outcome is answered as JSON.
	AppURL string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// Server serves the integration API and the bank redirect landing routes.
type Server struct {
	deps   Deps
	config Config
	router *mux.Router
	server *http.Server
	logger *logging.Logger
}

// NewServer creates a server and registers its routes.
func NewServer(deps Deps, config Config) *Server {
	deps.Metrics = metrics.OrNoOp(deps.Metrics)
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = logging.L()
	}

	s := &Server{
		deps:   deps,
		config: config,
		router: mux.NewRouter(),
		logger: deps.Logger.Named("api"),
	}

	r := s.router
	r.Use(s.requestLogger, s.metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/banks", s.handleSearchBanks).Methods(http.MethodGet)
	api.HandleFunc("/banks/{bankId}/profile", s.handleBankProfile).Methods(http.MethodGet)
	api.HandleFunc("/banks/{bankId}/accounts", s.handleAccounts).Methods(http.MethodGet)
	api.HandleFunc("/banks/{bankId}/accounts/{accountId}/transactions", s.handleTransactions).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handlePatchSettings).Methods(http.MethodPatch)
	api.HandleFunc("/settings", s.handleClearSettings).Methods(http.MethodDelete)
	api.HandleFunc("/redirect", s.handleRedirectState).Methods(http.MethodGet)

	r.HandleFunc("/consent/redirect", s.handleBankReturn(state.KindAIS)).Methods(http.MethodGet)
	r.HandleFunc("/payment/redirect", s.handleBankReturn(state.KindPIS)).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine. Listener failures are
// delivered on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("address", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
