package state

import (
	"time"
)

// RedirectKind tags which flow a redirect belongs to.
type RedirectKind string

const (
	// KindAIS is an account information consent redirect.
	KindAIS RedirectKind = "AIS"
	// KindPIS is a payment initiation redirect.
	KindPIS RedirectKind = "PIS"
)

// Valid reports whether k is AIS or PIS.
func (k RedirectKind) Valid() bool {
	return k == KindAIS || k == KindPIS
}

// RedirectDescriptor tracks the one outstanding bank redirect.
type RedirectDescriptor struct {
	RedirectCode string       `json:"redirectCode"`
	AuthID       string       `json:"authId"`
	XSRFToken    string       `json:"xsrfToken"`
	MaxAge       int          `json:"maxAge"` // seconds
	Kind         RedirectKind `json:"type"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// AccountRef is the cached summary of one account at a bank.
type AccountRef struct {
	ResourceID string `json:"resourceId"`
	IBAN       string `json:"iban"`
	Name       string `json:"name"`
}
