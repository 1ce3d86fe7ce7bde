package ais

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login opens an aggregator session and installs its token on the signer.
func (c *Client) Login(ctx context.Context, username, password string) (Session, error) {
	const op = "login"

	if username == "" {
		return Session{}, &ValidationError{Field: "username", Reason: "must not be empty"}
	}
	start := time.Now()

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   c.config.Paths.Login,
		body:   loginRequest{Username: username, Password: password},
	})
	if err != nil {
		c.observe(op, 0, Classify(err), start, err)
		return Session{}, err
	}
	if !isSuccess(resp.status) {
		err = statusError(op, resp)
		c.observe(op, resp.status, Classify(err), start, err)
		return Session{}, err
	}

	var session Session
	if len(resp.body) > 0 {
		if err := decodeJSON(resp.body, &session); err != nil {
			err = &BankError{Op: op, StatusCode: resp.status, Message: "malformed response: " + err.Error(), Body: resp.body}
			c.observe(op, resp.status, Classify(err), start, err)
			return Session{}, err
		}
	}

	session.Token = resp.header.Get("X-XSRF-TOKEN")
	if session.Token == "" {
		session.Token = bearerToken(resp.header.Get("Authorization"))
	}
	if session.Token != "" {
		c.signer.SetToken(session.Token)
	}

	c.observe(op, resp.status, "ok", start, nil)
	return session, nil
}

// Logout ends the session. The local token is dropped even when the
// backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	const op = "logout"
	start := time.Now()

	defer c.signer.ClearToken()

	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   c.config.Paths.Logout,
	})
	if err != nil {
		c.observe(op, 0, Classify(err), start, err)
		return err
	}
	if !isSuccess(resp.status) {
		err = statusError(op, resp)
		c.observe(op, resp.status, Classify(err), start, err)
		return err
	}

	c.observe(op, resp.status, "ok", start, nil)
	return nil
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
