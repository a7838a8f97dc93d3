// ABOUTME: Operator and legacy HTTP surface for the gateway
// ABOUTME: Bearer-token auth on everything except the health probe

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/admission"
	"github.com/2389/relay-gateway/internal/store"
)

// routes builds the HTTP mux. /health is unauthenticated for probes; the
// rest requires the configured API token when one is set.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("POST /api/message", g.requireAuth(g.handleLegacyMessage))
	mux.HandleFunc("GET /api/sessions", g.requireAuth(g.handleSessionsList))
	mux.HandleFunc("POST /api/sessions/{id}/approve", g.requireAuth(g.handleSessionApprove))
	mux.HandleFunc("DELETE /api/sessions/{id}", g.requireAuth(g.handleSessionDelete))
	mux.HandleFunc("GET /api/audit", g.requireAuth(g.handleAuditList))
	mux.HandleFunc("GET /api/usage", g.requireAuth(g.handleUsageStats))

	return mux
}

// requireAuth enforces the static bearer token. An empty configured token
// disables auth (local development).
func (g *Gateway) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := g.cfg.Auth.APIToken
		if token == "" {
			next(w, r)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleLegacyMessage is the legacy simple-message interface.
func (g *Gateway) handleLegacyMessage(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}

	result := g.router.HandleLegacyMessage(r.Context(), payload)
	status := http.StatusOK
	if result.Invalid {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

type sessionView struct {
	ID           string    `json:"id"`
	ChannelType  string    `json:"channel_type"`
	ChannelID    string    `json:"channel_id"`
	ChatID       string    `json:"chat_id"`
	UserID       string    `json:"user_id,omitempty"`
	UserName     string    `json:"user_name,omitempty"`
	Paired       bool      `json:"paired"`
	PairingCode  string    `json:"pairing_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (g *Gateway) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}

	sessions, err := g.store.ListSessions(r.Context(), limit)
	if err != nil {
		g.serverError(w, "listing sessions", err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:           s.ID,
			ChannelType:  s.ChannelType,
			ChannelID:    s.ChannelID,
			ChatID:       s.ChatID,
			UserID:       s.UserID,
			UserName:     s.UserName,
			Paired:       s.Paired,
			PairingCode:  s.PairingCode,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// handleSessionApprove pairs a session. With a code in the body it validates
// against the session's active pairing code; without one it is the operator
// bypass.
func (g *Gateway) handleSessionApprove(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var body struct {
		Code string `json:"code"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
	}

	var paired bool
	var err error
	if body.Code != "" {
		paired, err = g.gate.ApproveByCode(r.Context(), sessionID, body.Code)
	} else {
		paired, err = g.gate.ManualApprove(r.Context(), sessionID)
	}
	if errors.Is(err, admission.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	if err != nil {
		g.serverError(w, "approving session", err)
		return
	}
	if !paired {
		writeJSON(w, http.StatusForbidden, map[string]any{"paired": false, "error": "pairing code mismatch"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paired": true})
}

// handleSessionDelete removes a session, its shared state record, and any
// pending approval. Operator-only; sessions never expire on their own.
func (g *Gateway) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := g.store.DeleteSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
			return
		}
		g.serverError(w, "deleting session", err)
		return
	}
	if _, _, err := g.tracker.Clear(r.Context(), sessionID, ""); err != nil {
		g.logger.Warn("clearing pending approval on delete failed", "session_id", sessionID, "error", err)
	}
	if _, err := g.states.DeleteSession(r.Context(), sessionID); err != nil {
		g.logger.Warn("deleting session state failed", "session_id", sessionID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (g *Gateway) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApprovalEventFilter{
		SessionID: q.Get("session_id"),
		Type:      store.ApprovalEventType(q.Get("type")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid since timestamp"})
			return
		}
		filter.Since = &since
	}

	events, err := g.store.ListApprovalEvents(r.Context(), filter)
	if err != nil {
		g.serverError(w, "listing audit events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	var filter store.UsageFilter
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		filter.SessionID = &sid
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid since timestamp"})
			return
		}
		filter.Since = &since
	}

	stats, err := g.store.GetWorkerUsageStats(r.Context(), filter)
	if err != nil {
		g.serverError(w, "querying usage stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_input_tokens":  stats.TotalInput,
		"total_output_tokens": stats.TotalOutput,
		"total_tokens":        stats.TotalTokens,
		"call_count":          stats.CallCount,
		"failure_count":       stats.FailureCount,
	})
}

// serverError logs the detail and answers with a generic message. Internals
// never leak to clients.
func (g *Gateway) serverError(w http.ResponseWriter, action string, err error) {
	g.logger.Error(action+" failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}
