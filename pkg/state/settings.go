package state

import (
	"encoding/json"
)

// Retrieval strategies understood by the aggregator for loa/lot.
const (
	RetrievalFromTPPWithAvailableConsent = "FROM_TPP_WITH_AVAILABLE_CONSENT"
	RetrievalFromASPSP                   = "FROM_ASPSP"
)

// Settings are the session-wide integration options.
type Settings struct {
	// Loa is the list-of-accounts retrieval strategy.
	Loa string `json:"loa"`
	// Lot is the list-of-transactions retrieval strategy.
	Lot string `json:"lot"`
	// Consent is an opaque consent descriptor passed through to the aggregator.
	Consent json.RawMessage `json:"consent"`

	WithBalance bool `json:"withBalance"`
	// CacheLoa reuses a cached account list instead of querying the bank.
	CacheLoa bool `json:"cacheLoa"`
	CacheLot bool `json:"cacheLot"`

	ConsentRequiresAuthentication bool `json:"consentRequiresAuthentication"`

	// DateFrom and DateTo are optional YYYY-MM-DD bounds for transaction queries.
	DateFrom string `json:"dateFrom,omitempty"`
	DateTo   string `json:"dateTo,omitempty"`
}

// DefaultSettings returns the settings in effect before any update.
func DefaultSettings() Settings {
	return Settings{
		Loa:                           RetrievalFromTPPWithAvailableConsent,
		Lot:                           RetrievalFromTPPWithAvailableConsent,
		Consent:                       json.RawMessage(`{}`),
		WithBalance:                   true,
		CacheLoa:                      false,
		CacheLot:                      false,
		ConsentRequiresAuthentication: true,
	}
}

// SettingsPatch is a partial update; nil fields keep their current value.
type SettingsPatch struct {
	Loa                           *string          `json:"loa,omitempty"`
	Lot                           *string          `json:"lot,omitempty"`
	Consent                       *json.RawMessage `json:"consent,omitempty"`
	WithBalance                   *bool            `json:"withBalance,omitempty"`
	CacheLoa                      *bool            `json:"cacheLoa,omitempty"`
	CacheLot                      *bool            `json:"cacheLot,omitempty"`
	ConsentRequiresAuthentication *bool            `json:"consentRequiresAuthentication,omitempty"`
	DateFrom                      *string          `json:"dateFrom,omitempty"`
	DateTo                        *string          `json:"dateTo,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p SettingsPatch) IsEmpty() bool {
	return p == SettingsPatch{}
}

// Apply returns s with every non-nil field of p merged in.
func (s Settings) Apply(p SettingsPatch) Settings {
	if p.Loa != nil {
		s.Loa = *p.Loa
	}
	if p.Lot != nil {
		s.Lot = *p.Lot
	}
	if p.Consent != nil {
		s.Consent = append(json.RawMessage(nil), (*p.Consent)...)
	}
	if p.WithBalance != nil {
		s.WithBalance = *p.WithBalance
	}
	if p.CacheLoa != nil {
		s.CacheLoa = *p.CacheLoa
	}
	if p.CacheLot != nil {
		s.CacheLot = *p.CacheLot
	}
	if p.ConsentRequiresAuthentication != nil {
		s.ConsentRequiresAuthentication = *p.ConsentRequiresAuthentication
	}
	if p.DateFrom != nil {
		s.DateFrom = *p.DateFrom
	}
	if p.DateTo != nil {
		s.DateTo = *p.DateTo
	}
	return s
}
