package ais

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HeaderNames are the header names the aggregator expects on signed calls.
type HeaderNames struct {
	FintechID     string
	RequestID     string
	SessionID     string
	Timestamp     string
	Authorization string
}

// DefaultHeaderNames returns the header names of the fintech API.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		FintechID:     "Fintech-ID",
		RequestID:     "X-Request-ID",
		SessionID:     "X-Session-ID",
		Timestamp:     "X-Timestamp-UTC",
		Authorization: "Authorization",
	}
}

// Signer produces the identity and correlation headers of every call.
// The fintech id and session token are fixed between calls; ids and the
// timestamp are fresh on each Sign. Safe for concurrent use.
type Signer struct {
	fintechID string
	names     HeaderNames
	now       func() time.Time
	newID     func() string

	mu    sync.RWMutex
	token string
}

// NewSigner creates a signer for fintechID with the default header names.
func NewSigner(fintechID string) *Signer {
	return &Signer{
		fintechID: fintechID,
		names:     DefaultHeaderNames(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithHeaderNames returns s using names; empty entries keep the default.
func (s *Signer) WithHeaderNames(names HeaderNames) *Signer {
	d := DefaultHeaderNames()
	if names.FintechID == "" {
		names.FintechID = d.FintechID
	}
	if names.RequestID == "" {
		names.RequestID = d.RequestID
	}
	if names.SessionID == "" {
		names.SessionID = d.SessionID
	}
	if names.Timestamp == "" {
		names.Timestamp = d.Timestamp
	}
	if names.Authorization == "" {
		names.Authorization = d.Authorization
	}
	s.names = names
	return s
}

// Sign returns a new header set. Callers must sign each request separately.
func (s *Signer) Sign() http.Header {
	h := make(http.Header, 5)
	h.Set(s.names.FintechID, s.fintechID)
	h.Set(s.names.RequestID, s.newID())
	h.Set(s.names.SessionID, s.newID())
	h.Set(s.names.Timestamp, s.now().UTC().Format(time.RFC3339))

	if token := s.Token(); token != "" {
		h.Set(s.names.Authorization, "Bearer "+token)
	}
	return h
}

// FintechID returns the application identifier.
func (s *Signer) FintechID() string {
	return s.fintechID
}

// Token returns the current session token, or "" before login.
func (s *Signer) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken installs the session token used for the bearer header.
func (s *Signer) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// ClearToken drops the session token.
func (s *Signer) ClearToken() {
	s.SetToken("")
}
