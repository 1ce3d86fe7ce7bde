package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"bankconnect/pkg/ais"
	"bankconnect/pkg/banking"
	"bankconnect/pkg/logging"
	"bankconnect/pkg/state"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// navigator remembers where the flow wants the user agent to go. The
// handler turns it into a response once the flow returns.
type navigator struct {
	location string
}

func (n *navigator) Navigate(_ context.Context, location string) error {
	n.location = location
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	if s.deps.Store != nil {
		if _, err := s.deps.Store.Settings(r.Context()); err != nil {
			response["status"] = "degraded"
			response["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := s.deps.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.Logout(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.deps.Banking.SearchBanks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"banks": banks})
}

func (s *Server) handleBankProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Banking.SelectBank(r.Context(), mux.Vars(r)["bankId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	nav := &navigator{}
	result, err := s.deps.Banking.Accounts(r.Context(), mux.Vars(r)["bankId"], nav)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c, ok := result.Consent(); ok {
		writeConsent(w, c)
		return
	}
	accounts, _ := result.Data()
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()

	from, err := banking.ParseDate("dateFrom", q.Get("dateFrom"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := banking.ParseDate("dateTo", q.Get("dateTo"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	nav := &navigator{}
	result, err := s.deps.Banking.Transactions(r.Context(), vars["bankId"], vars["accountId"], from, to, nav)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c, ok := result.Consent(); ok {
		writeConsent(w, c)
		return
	}
	transactions, _ := result.Data()
	writeJSON(w, http.StatusOK, transactions)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.deps.Store.Settings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch state.SettingsPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	settings, err := s.deps.Store.UpdateSettings(r.Context(), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleClearSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearSettings(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRedirectState(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Flow.State(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleBankReturn is where the bank sends the browser back to.
func (s *Server) handleBankReturn(kind state.RedirectKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		nav := &navigator{}

		outcome, err := s.deps.Flow.Resume(r.Context(), kind, q.Get("redirectCode"), q.Get("status"), nav)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if outcome.Redirected {
			http.Redirect(w, r, nav.location, http.StatusSeeOther)
			return
		}

		if s.config.AppURL != "" {
			target, err := url.Parse(s.config.AppURL)
			if err == nil {
				values := target.Query()
				values.Set("consent", string(outcome.Status))
				values.Set("kind", string(outcome.Kind))
				target.RawQuery = values.Encode()
				http.Redirect(w, r, target.String(), http.StatusSeeOther)
				return
			}
			logging.FromContext(r.Context()).Warn("Invalid app URL", zap.String("app_url", s.config.AppURL), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

// decodeBody reads a JSON body into v and answers 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Kind: "validation"})
		return false
	}
	return true
}

func writeConsent(w http.ResponseWriter, c *ais.ConsentRequired) {
	w.Header().Set("Location", c.Location)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"redirectTo": c.Location,
		"maxAge":     c.MaxAge,
	})
}
