package ais

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"bankconnect/pkg/logging"
	"bankconnect/pkg/metrics"

	"go.uber.org/zap"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 10 << 20

// Paths are the aggregator endpoints, relative to the base URL.
// {accountId} and {redirectCode} are substituted per call.
type Paths struct {
	Login         string
	Logout        string
	BankSearch    string
	BankProfile   string
	Accounts      string
	Transactions  string
	ConsentResume string
	PaymentResume string
}

// DefaultPaths returns the fintech API paths.
func DefaultPaths() Paths {
	return Paths{
		Login:         "/login",
		Logout:        "/logout",
		BankSearch:    "/search/bankSearch",
		BankProfile:   "/search/bankProfile",
		Accounts:      "/banking/ais/accounts",
		Transactions:  "/banking/ais/accounts/{accountId}/transactions",
		ConsentResume: "/consent/fromAspsp/{redirectCode}",
		PaymentResume: "/payment/fromAspsp/{redirectCode}",
	}
}

// Config holds the aggregator connection settings.
type Config struct {
	BaseURL   string
	FintechID string
	Timeout   time.Duration

	// RedirectOKURL and RedirectNotOKURL are sent with data calls so the
	// bank knows where to return the browser.
	RedirectOKURL    string
	RedirectNotOKURL string

	Paths Paths
}

// DefaultConfig returns a configuration for a local aggregator.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:8086/fintech-api-proxy/v1",
		FintechID:        "bankconnect",
		Timeout:          30 * time.Second,
		RedirectOKURL:    "http://localhost:8080/consent/redirect?status=OK",
		RedirectNotOKURL: "http://localhost:8080/consent/redirect?status=NOT_OK",
		Paths:            DefaultPaths(),
	}
}

// Client talks to the aggregator backend. It never follows redirects: a
// redirect is a consent signal for the caller to act on.
type Client struct {
	base    *url.URL
	config  Config
	http    *http.Client
	signer  *Signer
	metrics metrics.Collector
	logger  *logging.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient uses hc for transport. Its redirect policy is overridden.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		clone := *hc
		c.http = &clone
	}
}

// WithSigner replaces the signer built from Config.FintechID.
func WithSigner(s *Signer) Option {
	return func(c *Client) { c.signer = s }
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Client) { c.metrics = metrics.OrNoOp(m) }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for config.
func New(config Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ais: invalid base URL %q", config.BaseURL)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	config.Paths = mergePaths(config.Paths)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("ais: cookie jar: %w", err)
	}

	c := &Client{
		base:    base,
		config:  config,
		http:    &http.Client{Timeout: config.Timeout, Jar: jar},
		signer:  NewSigner(config.FintechID),
		metrics: metrics.NoOpCollector{},
		logger:  logging.L(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.http.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if c.http.Jar == nil {
		c.http.Jar = jar
	}
	c.logger = c.logger.Named("ais")

	return c, nil
}

func mergePaths(p Paths) Paths {
	d := DefaultPaths()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Paths{
		Login:         pick(p.Login, d.Login),
		Logout:        pick(p.Logout, d.Logout),
		BankSearch:    pick(p.BankSearch, d.BankSearch),
		BankProfile:   pick(p.BankProfile, d.BankProfile),
		Accounts:      pick(p.Accounts, d.Accounts),
		Transactions:  pick(p.Transactions, d.Transactions),
		ConsentResume: pick(p.ConsentResume, d.ConsentResume),
		PaymentResume: pick(p.PaymentResume, d.PaymentResume),
	}
}

// Signer returns the signer holding the session token.
func (c *Client) Signer() *Signer {
	return c.signer
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	header http.Header
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends req with signed headers. Transport failures come back as
// TransientNetworkError; status handling is left to the caller.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	u, err := url.Parse(c.base.String() + req.path)
	if err != nil {
		return nil, fmt.Errorf("ais: %s: build url: %w", req.op, err)
	}
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("ais: %s: encode body: %w", req.op, err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("ais: %s: build request: %w", req.op, err)
	}
	httpReq.Header = c.signer.Sign()
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, fmt.Errorf("ais: %s: %w", req.op, ctxErr)
		}
		return nil, &TransientNetworkError{Op: req.op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransientNetworkError{Op: req.op, Err: fmt.Errorf("read body: %w", err)}
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// statusError maps a failed status to the error taxonomy.
func statusError(op string, resp *response) error {
	switch resp.status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{StatusCode: resp.status, Message: errorMessage(resp.body)}
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &TransientNetworkError{Op: op, StatusCode: resp.status}
	}
	return &BankError{
		Op:         op,
		StatusCode: resp.status,
		Message:    errorMessage(resp.body),
		Body:       resp.body,
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// observe logs and records the outcome of one call.
func (c *Client) observe(op string, status int, outcome string, start time.Time, err error) {
	duration := time.Since(start)
	c.metrics.RecordAISCall(op, outcome, duration)

	fields := []zap.Field{
		zap.String("operation", op),
		zap.Int("status", status),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration),
	}
	if err != nil {
		c.logger.Warn("aggregator call failed", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Debug("aggregator call", fields...)
}

func decodeJSON(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(data, v)
}

// expand substitutes {name} in a path template with an escaped value.
func expand(template, name, value string) string {
	return strings.ReplaceAll(template, "{"+name+"}", url.PathEscape(value))
}
