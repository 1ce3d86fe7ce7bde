package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/logging"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error          string          `json:"error"`
	Kind           string          `json:"kind"`
	UpstreamStatus int             `json:"upstreamStatus,omitempty"`
	UpstreamBody   json.RawMessage `json:"upstreamBody,omitempty"`
}

// writeError maps err onto a status code and JSON body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if c, ok := ais.ConsentFromError(err); ok {
		writeConsent(w, c)
		return
	}

	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: ais.Classify(err)}

	var bankErr *ais.BankError
	if errors.As(err, &bankErr) {
		resp.UpstreamStatus = bankErr.StatusCode
		if bankErr.Message != "" {
			resp.Error = bankErr.Message
		}
		if json.Valid(bankErr.Body) {
			resp.UpstreamBody = bankErr.Body
		}
	}

	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Info("Request rejected", zap.Int("status", status), zap.Error(err))
	}

	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ais.ErrValidation), errors.Is(err, ais.ErrRedirectProtocol):
		return http.StatusBadRequest
	case errors.Is(err, ais.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ais.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ais.ErrBank):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
