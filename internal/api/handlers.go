// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/jukewire/jukewire/internal/logging"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultTopLimit     = 20
	maxTopLimit         = 200
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// queryInt parses an integer query parameter with bounds.
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// handleLogin exchanges the configured admin credentials for a bearer
// token. There is no user database; the operator-configured credential
// pair is the only account. Constant-time comparison on both fields.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.security.AdminUsername == "" || s.security.AdminPassword == "" {
		writeError(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.security.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.security.AdminPassword)) == 1
	if !userOK || !passOK {
		logging.Warn().Str("remote", r.RemoteAddr).Msg("login failed")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.GenerateToken(req.Username)
	if err != nil {
		logging.Error().Err(err).Msg("token generation failed")
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: req.Username})
}

// handleNowPlaying returns the canonical playback state.
func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.CurrentState(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleHistory returns a newest-first page of the state log.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0, 0)
	limit := queryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)

	entries, err := s.engine.History(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offset":  offset,
		"limit":   limit,
		"entries": entries,
	})
}

// handleAffinity returns a user's top track affinities by score.
func (s *Server) handleAffinity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryInt(r, "limit", defaultTopLimit, maxTopLimit)

	affs, err := s.engine.TopTrackAffinities(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"affinities": affs,
	})
}

// handleSessions returns a user's listening sessions from the store.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryInt(r, "limit", defaultTopLimit, maxTopLimit)

	sessions, err := s.store.UserSessions(r.Context(), userID, limit)
	if err != nil {
		logging.Error().Err(err).Msg("session query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": sessions,
	})
}

// handleConversions returns a user's search conversions from the store.
func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryInt(r, "limit", defaultTopLimit, maxTopLimit)

	convs, err := s.store.UserConversions(r.Context(), userID, limit)
	if err != nil {
		logging.Error().Err(err).Msg("conversion query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"conversions": convs,
	})
}

// handleHealth reports overall component health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbHealthy := s.store.Ping(r.Context()) == nil
	upstream := s.upstreamConnected()

	status := http.StatusOK
	overall := "healthy"
	if !dbHealthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	} else if !upstream {
		// Relay still serves browsers while Mopidy is down; degraded,
		// not dead.
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":             overall,
		"upstream_connected": upstream,
		"database":           dbHealthy,
	})
}

// handleLive is the liveness probe: the process answers, it is alive.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady is the readiness probe; ready requires a working store.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
