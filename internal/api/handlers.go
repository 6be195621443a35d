package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailfleet/mailfleet/internal/dispatch"
	"github.com/mailfleet/mailfleet/internal/ledger"
	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

// StartRunRequest is the request body for POST /runs
type StartRunRequest struct {
	Limit int `json:"limit,omitempty"`
}

// StatsResponse is the response for GET /stats
type StatsResponse struct {
	Ledger *ledger.Stats  `json:"ledger"`
	Today  map[string]int `json:"today"`
}

// AccountStatus is one element of the GET /accounts response
type AccountStatus struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Transport      string     `json:"transport"`
	Quota          int        `json:"quota"`
	SentToday      int        `json:"sent_today"`
	Enabled        bool       `json:"enabled"`
	Suspended      bool       `json:"suspended"`
	SuspendedUntil *time.Time `json:"suspended_until,omitempty"`
	SuspendReason  string     `json:"suspend_reason,omitempty"`
}

// SuspendRequest is the request body for POST /accounts/{id}/suspend
type SuspendRequest struct {
	Hours  int    `json:"hours"`
	Reason string `json:"reason,omitempty"`
}

// UpdateAccountRequest is the request body for PATCH /accounts/{id}.
// Nil fields are left unchanged.
type UpdateAccountRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
	Quota   *int  `json:"quota,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleStartRun handles POST /api/v1/runs
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Limit < 0 {
		s.sendError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	if err := s.dispatcher.Start(req.Limit); err != nil {
		if errors.Is(err, dispatch.ErrRunActive) {
			s.sendError(w, http.StatusConflict, "A run is already active")
			return
		}
		s.logger.Error("failed to start run", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	s.logger.Info("run started via API", "limit", req.Limit, "remote_addr", r.RemoteAddr)
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleCurrentRun handles GET /api/v1/runs/current
func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.dispatcher.Active()
	if !ok {
		s.sendError(w, http.StatusNotFound, "No active run")
		return
	}
	s.sendJSON(w, http.StatusOK, summary)
}

// handleStopRun handles DELETE /api/v1/runs/current
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if !s.dispatcher.Stop() {
		s.sendError(w, http.StatusNotFound, "No active run")
		return
	}
	s.logger.Info("run stop requested via API", "remote_addr", r.RemoteAddr)
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.logger.Error("failed to read ledger stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read ledger stats")
		return
	}

	today, err := s.store.DayTotals(ledger.Day(time.Now()))
	if err != nil {
		s.logger.Error("failed to read daily totals", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read daily totals")
		return
	}

	s.sendJSON(w, http.StatusOK, StatsResponse{Ledger: stats, Today: today})
}

// handleAccounts handles GET /api/v1/accounts
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	day := ledger.Day(now)

	var out []AccountStatus
	for _, ident := range s.pool.List() {
		count, err := s.store.DailyCount(ident.ID, day)
		if err != nil {
			s.logger.Error("failed to read daily counter", "identity", ident.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to read daily counters")
			return
		}

		st := AccountStatus{
			ID:        ident.ID,
			Email:     ident.Email,
			Transport: ident.Transport,
			Quota:     ident.Quota,
			SentToday: count,
			Enabled:   ident.Enabled,
		}
		if s.pool.IsSuspended(ident.ID, now) {
			until, reason, _ := s.pool.SuspendedUntil(ident.ID)
			st.Suspended = true
			st.SuspendedUntil = &until
			st.SuspendReason = reason
		}
		out = append(out, st)
	}

	s.sendJSON(w, http.StatusOK, out)
}

// handleSuspendAccount handles POST /api/v1/accounts/{id}/suspend
func (s *Server) handleSuspendAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SuspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Hours <= 0 {
		s.sendError(w, http.StatusBadRequest, "hours must be positive")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "suspended via API"
	}

	until := time.Now().Add(time.Duration(req.Hours) * time.Hour)
	if err := s.pool.Suspend(id, until, reason); err != nil {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("Unknown account: %s", id))
		return
	}

	s.logger.Info("account suspended via API", "identity", id, "until", until)
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status": "suspended",
		"until":  until.Format(time.RFC3339),
	})
}

// handleUpdateAccount handles PATCH /api/v1/accounts/{id}
func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Enabled == nil && req.Quota == nil {
		s.sendError(w, http.StatusBadRequest, "Nothing to update")
		return
	}
	if req.Quota != nil && *req.Quota < 0 {
		s.sendError(w, http.StatusBadRequest, "quota must not be negative")
		return
	}

	if !s.pool.Update(id, req.Enabled, req.Quota) {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("Unknown account: %s", id))
		return
	}

	ident, _ := s.pool.Get(id)
	s.logger.Info("account updated via API", "identity", id, "quota", ident.Quota, "enabled", ident.Enabled)
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"id":      ident.ID,
		"enabled": ident.Enabled,
		"quota":   ident.Quota,
	})
}

// handleUnsuspendAccount handles POST /api/v1/accounts/{id}/unsuspend
func (s *Server) handleUnsuspendAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.pool.Unsuspend(id); err != nil {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("Unknown account: %s", id))
		return
	}

	s.logger.Info("account unsuspended via API", "identity", id)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// handleLedgerEntry handles GET /api/v1/ledger/{address}
func (s *Server) handleLedgerEntry(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}

	addr := mailaddr.Normalize(raw)
	if !mailaddr.Valid(addr) {
		s.sendError(w, http.StatusBadRequest, "Invalid email address")
		return
	}

	entry, err := s.store.Entry(addr)
	if err != nil {
		s.logger.Error("failed to read ledger entry", "address", addr, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read ledger")
		return
	}
	if entry == nil {
		s.sendError(w, http.StatusNotFound, "Address not in ledger")
		return
	}

	s.sendJSON(w, http.StatusOK, entry)
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError writes a JSON error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
