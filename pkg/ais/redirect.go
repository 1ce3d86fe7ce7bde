package ais

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// ResumeResponse is the backend answer to a return from the bank.
// Location, when set, is where the browser must go next.
type ResumeResponse struct {
	StatusCode int
	Location   string
	Payload    json.RawMessage
}

// Redirected reports whether the answer asks for another navigation.
func (r ResumeResponse) Redirected() bool {
	return r.Location != ""
}

// ResumeConsent tells the backend the outcome of an account consent.
func (c *Client) ResumeConsent(ctx context.Context, redirectCode, status, xsrfToken string) (ResumeResponse, error) {
	return c.resume(ctx, "consent_resume", c.config.Paths.ConsentResume, redirectCode, status, xsrfToken)
}

// ResumePayment tells the backend the outcome of a payment authorisation.
func (c *Client) ResumePayment(ctx context.Context, redirectCode, status, xsrfToken string) (ResumeResponse, error) {
	return c.resume(ctx, "payment_resume", c.config.Paths.PaymentResume, redirectCode, status, xsrfToken)
}

// resume follows the aggregator rule that a Location header is honoured on
// any answer, including error statuses.
func (c *Client) resume(ctx context.Context, op, template, redirectCode, status, xsrfToken string) (ResumeResponse, error) {
	if redirectCode == "" || status == "" {
		return ResumeResponse{}, &RedirectProtocolError{Reason: "invalid redirect parameters"}
	}
	start := time.Now()

	header := make(http.Header)
	if xsrfToken != "" {
		header.Set("X-XSRF-TOKEN", xsrfToken)
	}

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   expand(template, "redirectCode", redirectCode),
		query:  url.Values{"status": {status}},
		header: header,
	})
	if err != nil {
		c.observe(op, 0, Classify(err), start, err)
		return ResumeResponse{}, err
	}

	if location := resp.header.Get("Location"); location != "" {
		c.observe(op, resp.status, "redirected", start, nil)
		return ResumeResponse{StatusCode: resp.status, Location: location}, nil
	}
	if resp.status >= 300 && resp.status < 400 {
		err = &RedirectProtocolError{Reason: "redirect answer without Location"}
		c.observe(op, resp.status, Classify(err), start, err)
		return ResumeResponse{}, err
	}
	if !isSuccess(resp.status) {
		err = statusError(op, resp)
		c.observe(op, resp.status, Classify(err), start, err)
		return ResumeResponse{}, err
	}

	out := ResumeResponse{StatusCode: resp.status}
	if json.Valid(resp.body) {
		out.Payload = json.RawMessage(resp.body)
	}
	c.observe(op, resp.status, "ok", start, nil)
	return out, nil
}
