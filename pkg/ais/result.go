package ais

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultMaxAge is the redirect lifetime assumed when the backend sends no
// Max-Age header, in seconds.
const DefaultMaxAge = 300

// ConsentRequired is the backend telling the caller that the user must
// visit the bank before data can be returned.
type ConsentRequired struct {
	Location     string
	RedirectCode string
	AuthID       string
	XSRFToken    string
	MaxAge       int
	StatusCode   int
}

// AsError returns c as an error matching ErrConsentRequired.
func (c *ConsentRequired) AsError() error {
	return &consentError{c}
}

type consentError struct {
	consent *ConsentRequired
}

func (e *consentError) Error() string {
	return fmt.Sprintf("ais: consent required, redirect to %s", e.consent.Location)
}

func (e *consentError) Is(target error) bool { return target == ErrConsentRequired }

// ConsentFromError extracts the ConsentRequired wrapped by AsError.
func ConsentFromError(err error) (*ConsentRequired, bool) {
	var ce *consentError
	if errors.As(err, &ce) {
		return ce.consent, true
	}
	return nil, false
}

// Result is either data or a consent requirement. Failures travel in the
// accompanying error instead.
type Result[T any] struct {
	data    T
	consent *ConsentRequired
}

// Ok wraps data.
func Ok[T any](data T) Result[T] {
	return Result[T]{data: data}
}

// NeedsConsent wraps a consent requirement.
func NeedsConsent[T any](c *ConsentRequired) Result[T] {
	return Result[T]{consent: c}
}

// Data returns the payload and true for an Ok result.
func (r Result[T]) Data() (T, bool) {
	return r.data, r.consent == nil
}

// Consent returns the requirement and true when consent is needed.
func (r Result[T]) Consent() (*ConsentRequired, bool) {
	return r.consent, r.consent != nil
}

func (r Result[T]) IsOk() bool {
	return r.consent == nil
}

// isConsentStatus reports whether a response asks for consent: 202, or
// any 3xx that carries a Location.
func isConsentStatus(status int, header http.Header) bool {
	if status == http.StatusAccepted {
		return true
	}
	return status >= 300 && status < 400 && header.Get("Location") != ""
}

// parseConsent builds a ConsentRequired from a consent response. Header
// values win over the query parameters of Location.
func parseConsent(status int, header http.Header) (*ConsentRequired, error) {
	location := header.Get("Location")
	if location == "" {
		return nil, &RedirectProtocolError{Reason: fmt.Sprintf("consent response %d without Location", status)}
	}

	c := &ConsentRequired{
		Location:     location,
		RedirectCode: header.Get("Redirect-Code"),
		AuthID:       header.Get("Authorization-Session-ID"),
		XSRFToken:    header.Get("X-XSRF-TOKEN"),
		MaxAge:       DefaultMaxAge,
		StatusCode:   status,
	}

	if u, err := url.Parse(location); err == nil {
		q := u.Query()
		if c.RedirectCode == "" {
			c.RedirectCode = q.Get("redirectCode")
		}
		if c.AuthID == "" {
			c.AuthID = q.Get("authId")
		}
	}

	if raw := strings.TrimSpace(header.Get("Max-Age")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.MaxAge = n
		}
	}
	return c, nil
}
