package ais

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// SearchBanks returns one descriptor per bank profile matching query.
// The client applies no minimum length; callers gate short queries.
func (c *Client) SearchBanks(ctx context.Context, query string) ([]BankDescriptor, error) {
	const op = "search_banks"
	start := time.Now()

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   c.config.Paths.BankSearch,
		query:  url.Values{"keyword": {query}},
	})
	if err != nil {
		c.observe(op, 0, Classify(err), start, err)
		return nil, err
	}
	if !isSuccess(resp.status) {
		err = statusError(op, resp)
		c.observe(op, resp.status, Classify(err), start, err)
		return nil, err
	}

	var payload bankSearchResponse
	if err := decodeJSON(resp.body, &payload); err != nil {
		err = &BankError{Op: op, StatusCode: resp.status, Message: "malformed response: " + err.Error(), Body: resp.body}
		c.observe(op, resp.status, Classify(err), start, err)
		return nil, err
	}

	c.observe(op, resp.status, "ok", start, nil)
	return FlattenBanks(payload.BankDescriptor), nil
}

// GetBankProfile fetches the profile of bankID, which must be a UUID.
func (c *Client) GetBankProfile(ctx context.Context, bankID string) (BankProfile, error) {
	const op = "bank_profile"

	if err := validateUUID("bankId", bankID); err != nil {
		return BankProfile{}, err
	}
	start := time.Now()

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   c.config.Paths.BankProfile,
		query:  url.Values{"bankProfileId": {bankID}},
	})
	if err != nil {
		c.observe(op, 0, Classify(err), start, err)
		return BankProfile{}, err
	}
	if !isSuccess(resp.status) {
		err = statusError(op, resp)
		c.observe(op, resp.status, Classify(err), start, err)
		return BankProfile{}, err
	}

	var payload bankProfileResponse
	if err := decodeJSON(resp.body, &payload); err != nil {
		err = &BankError{Op: op, StatusCode: resp.status, Message: "malformed response: " + err.Error(), Body: resp.body}
		c.observe(op, resp.status, Classify(err), start, err)
		return BankProfile{}, err
	}

	c.observe(op, resp.status, "ok", start, nil)
	return payload.BankProfile, nil
}

// validateUUID accepts only the canonical 36 character form.
func validateUUID(field, value string) error {
	if len(value) != 36 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a UUID", value)}
	}
	if _, err := uuid.Parse(value); err != nil {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a UUID", value)}
	}
	return nil
}
