package ais

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DateLayout is the wire format of transaction date bounds.
const DateLayout = "2006-01-02"

// GetAccounts lists the accounts reachable through bankID. A consent
// answer from the backend comes back as a ConsentRequired result.
func (c *Client) GetAccounts(ctx context.Context, bankID string, withBalance bool) (Result[[]AccountSummary], error) {
	const op = "accounts"

	if bankID == "" {
		return Result[[]AccountSummary]{}, &ValidationError{Field: "bankId", Reason: "must not be empty"}
	}
	start := time.Now()

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   c.config.Paths.Accounts,
		query: url.Values{
			"bankId":                  {bankID},
			"withBalance":             {strconv.FormatBool(withBalance)},
			"online":                  {"true"},
			"createConsentIfNone":     {"true"},
			"loARetrievalInformation": {"GLOBAL"},
		},
		header: c.redirectHeaders(),
	})
	if err != nil {
		c.observe(op, 0, Classify(err), start, err)
		return Result[[]AccountSummary]{}, err
	}

	if consent, done, err := c.consentAnswer(op, resp, start); done {
		if err != nil {
			return Result[[]AccountSummary]{}, err
		}
		return NeedsConsent[[]AccountSummary](consent), nil
	}

	var payload accountListResponse
	if err := decodeJSON(resp.body, &payload); err != nil {
		err = &BankError{Op: op, StatusCode: resp.status, Message: "malformed response: " + err.Error(), Body: resp.body}
		c.observe(op, resp.status, Classify(err), start, err)
		return Result[[]AccountSummary]{}, err
	}

	accounts := make([]AccountSummary, 0, len(payload.Accounts))
	for _, a := range payload.Accounts {
		accounts = append(accounts, a.summary())
	}

	c.observe(op, resp.status, "ok", start, nil)
	return Ok(accounts), nil
}

// GetTransactions lists booked then pending transactions of accountID
// between dateFrom and dateTo inclusive.
func (c *Client) GetTransactions(ctx context.Context, bankID, accountID string, dateFrom, dateTo time.Time) (Result[[]TransactionRecord], error) {
	const op = "transactions"

	switch {
	case bankID == "":
		return Result[[]TransactionRecord]{}, &ValidationError{Field: "bankId", Reason: "must not be empty"}
	case accountID == "":
		return Result[[]TransactionRecord]{}, &ValidationError{Field: "accountId", Reason: "must not be empty"}
	case dateFrom.IsZero() || dateTo.IsZero():
		return Result[[]TransactionRecord]{}, &ValidationError{Field: "dateFrom", Reason: "date range must be bounded"}
	case truncateDay(dateFrom).After(truncateDay(dateTo)):
		return Result[[]TransactionRecord]{}, &ValidationError{Field: "dateFrom", Reason: "must not be after dateTo"}
	}
	start := time.Now()

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   expand(c.config.Paths.Transactions, "accountId", accountID),
		query: url.Values{
			"bankId":                  {bankID},
			"dateFrom":                {dateFrom.Format(DateLayout)},
			"dateTo":                  {dateTo.Format(DateLayout)},
			"online":                  {"true"},
			"createConsentIfNone":     {"true"},
			"loTRetrievalInformation": {"GLOBAL"},
		},
		header: c.redirectHeaders(),
	})
	if err != nil {
		c.observe(op, 0, Classify(err), start, err)
		return Result[[]TransactionRecord]{}, err
	}

	if consent, done, err := c.consentAnswer(op, resp, start); done {
		if err != nil {
			return Result[[]TransactionRecord]{}, err
		}
		return NeedsConsent[[]TransactionRecord](consent), nil
	}

	var payload transactionsResponse
	if err := decodeJSON(resp.body, &payload); err != nil {
		err = &BankError{Op: op, StatusCode: resp.status, Message: "malformed response: " + err.Error(), Body: resp.body}
		c.observe(op, resp.status, Classify(err), start, err)
		return Result[[]TransactionRecord]{}, err
	}

	booked, pending := payload.Transactions.Booked, payload.Transactions.Pending
	records := make([]TransactionRecord, 0, len(booked)+len(pending))
	for _, t := range booked {
		records = append(records, t.record(StatusBooked))
	}
	for _, t := range pending {
		records = append(records, t.record(StatusPending))
	}

	c.observe(op, resp.status, "ok", start, nil)
	return Ok(records), nil
}

// consentAnswer handles every non-data answer of a data call. done is
// false only for a 2xx response that carries the data itself. When done
// is true, either consent is set and err is nil, or err is set.
func (c *Client) consentAnswer(op string, resp *response, start time.Time) (*ConsentRequired, bool, error) {
	if isConsentStatus(resp.status, resp.header) {
		consent, err := parseConsent(resp.status, resp.header)
		if err != nil {
			c.observe(op, resp.status, Classify(err), start, err)
			return nil, true, err
		}
		c.observe(op, resp.status, "consent_required", start, nil)
		return consent, true, nil
	}
	if !isSuccess(resp.status) {
		err := statusError(op, resp)
		c.observe(op, resp.status, Classify(err), start, err)
		return nil, true, err
	}
	return nil, false, nil
}

func (c *Client) redirectHeaders() http.Header {
	h := make(http.Header, 2)
	if c.config.RedirectOKURL != "" {
		h.Set("Fintech-Redirect-URL-OK", c.config.RedirectOKURL)
	}
	if c.config.RedirectNotOKURL != "" {
		h.Set("Fintech-Redirect-URL-NOK", c.config.RedirectNotOKURL)
	}
	return h
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
