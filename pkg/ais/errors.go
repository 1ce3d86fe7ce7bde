package ais

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrValidation       = errors.New("ais: validation error")
	ErrAuthentication   = errors.New("ais: authentication error")
	ErrConsentRequired  = errors.New("ais: consent required")
	ErrTransient        = errors.New("ais: transient network error")
	ErrBank             = errors.New("ais: bank error")
	ErrRedirectProtocol = errors.New("ais: redirect protocol error")
)

// ValidationError is bad input caught before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ais: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthenticationError means the aggregator rejected the credentials or session.
type AuthenticationError struct {
	StatusCode int
	Message    string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ais: authentication failed (%d)", e.StatusCode)
	}
	return fmt.Sprintf("ais: authentication failed (%d): %s", e.StatusCode, e.Message)
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// TransientNetworkError is a connectivity failure, timeout or overload answer.
// The same call may succeed if repeated.
type TransientNetworkError struct {
	Op         string
	StatusCode int // 0 when no response arrived
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ais: %s: temporarily unavailable (%d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("ais: %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

func (e *TransientNetworkError) Is(target error) bool { return target == ErrTransient }

// BankError is a structured failure from the bank or aggregator, passed
// through with its status and body.
type BankError struct {
	Op         string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *BankError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ais: %s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("ais: %s: %d %s", e.Op, e.StatusCode, e.Message)
}

func (e *BankError) Is(target error) bool { return target == ErrBank }

// RedirectProtocolError is a broken redirect exchange, such as a return
// without redirectCode or status.
type RedirectProtocolError struct {
	Reason string
}

func (e *RedirectProtocolError) Error() string {
	return "ais: redirect protocol: " + e.Reason
}

func (e *RedirectProtocolError) Is(target error) bool { return target == ErrRedirectProtocol }

// IsRetryable reports whether repeating the call may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Classify returns a short label for err, used in metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConsentRequired):
		return "consent_required"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrBank):
		return "bank"
	case errors.Is(err, ErrRedirectProtocol):
		return "redirect_protocol"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

// errorMessage extracts a human readable message from an error body.
// The aggregator answers with {"message": ...}, {"error": ...} or
// {"tppMessages":[{"text": ...}]}; anything else yields "".
func errorMessage(body []byte) string {
	var payload struct {
		Message     string `json:"message"`
		Error       string `json:"error"`
		TPPMessages []struct {
			Text string `json:"text"`
		} `json:"tppMessages"`
	}
	if err := decodeJSON(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Message != "":
		return payload.Message
	case payload.Error != "":
		return payload.Error
	case len(payload.TPPMessages) > 0:
		return payload.TPPMessages[0].Text
	}
	return ""
}
