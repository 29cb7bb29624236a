// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/jukewire/jukewire/internal/auth"
	"github.com/jukewire/jukewire/internal/bus"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/engine"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/models"
	"github.com/jukewire/jukewire/internal/store"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type nullGateway struct{}

func (nullGateway) AppendStateLog(*models.StateLogEntry) error            { return nil }
func (nullGateway) UpsertTrackAffinity(*models.TrackAffinity) error       { return nil }
func (nullGateway) UpsertArtistAffinity(*models.ArtistAffinity) error     { return nil }
func (nullGateway) OpenOrExtendSession(*models.ListeningSession) error    { return nil }
func (nullGateway) RecordSearchConversion(*models.SearchConversion) error { return nil }

type testEnv struct {
	server *Server
	store  *store.Store
	bus    *bus.Bus

	upstreamUp bool
}

func newTestEnv(t *testing.T, securityCfg config.SecurityConfig) *testEnv {
	t.Helper()

	st, err := store.Open(context.Background(), config.DatabaseConfig{Path: ""})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New(16)
	eng := engine.New(config.EngineConfig{
		AttributionWindow: 2 * time.Second,
		SessionGap:        5 * time.Minute,
		SearchWindow:      30 * time.Second,
		HistorySize:       16,
		MailboxSize:       16,
	}, b, nullGateway{})

	ctx, cancel := context.WithCancel(context.Background())
	busDone := make(chan struct{})
	engDone := make(chan struct{})
	go func() {
		_ = b.RunWithContext(ctx)
		close(busDone)
	}()
	go func() {
		_ = eng.Serve(ctx)
		close(engDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-busDone
		<-engDone
	})

	env := &testEnv{store: st, bus: b, upstreamUp: true}
	env.server = New(
		config.ServerConfig{Host: "127.0.0.1", Port: 0, Timeout: 5 * time.Second},
		securityCfg,
		eng,
		st,
		auth.NewJWTManager(securityCfg),
		http.NotFoundHandler(),
		func() bool { return env.upstreamUp },
	)
	return env
}

func (e *testEnv) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func securityWithAdmin() config.SecurityConfig {
	return config.SecurityConfig{
		JWTSecret:     strings.Repeat("k", 32),
		TokenTimeout:  time.Hour,
		AdminUsername: "admin",
		AdminPassword: "hunter22hunter22",
		CORSOrigins:   []string{"*"},
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "valid credentials", body: `{"username":"admin","password":"hunter22hunter22"}`, wantStatus: http.StatusOK},
		{name: "wrong password", body: `{"username":"admin","password":"nope"}`, wantStatus: http.StatusUnauthorized},
		{name: "wrong username", body: `{"username":"root","password":"hunter22hunter22"}`, wantStatus: http.StatusUnauthorized},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/api/v1/auth/login", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp loginResponse
			decodeBody(t, rec, &resp)
			userID, err := auth.NewJWTManager(securityWithAdmin()).Verify(resp.Token)
			if err != nil {
				t.Fatalf("issued token does not verify: %v", err)
			}
			if userID != "admin" {
				t.Errorf("token user: got %q", userID)
			}
		})
	}
}

func TestLoginUnconfigured(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{CORSOrigins: []string{"*"}})

	rec := env.request(t, http.MethodPost, "/api/v1/auth/login", `{"username":"a","password":"b"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rec.Code)
	}
}

func TestNowPlaying(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	rec := env.request(t, http.MethodGet, "/api/v1/now-playing", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var state models.PlaybackState
	decodeBody(t, rec, &state)
	if state.Status != models.StatusStopped {
		t.Errorf("initial status: got %q", state.Status)
	}
	if state.Volume != -1 {
		t.Errorf("initial volume: got %d, want -1 (unknown)", state.Volume)
	}
}

func TestHistoryEmpty(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	rec := env.request(t, http.MethodGet, "/api/v1/history?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp struct {
		Offset  int                    `json:"offset"`
		Limit   int                    `json:"limit"`
		Entries []models.StateLogEntry `json:"entries"`
	}
	decodeBody(t, rec, &resp)
	if resp.Limit != 5 || len(resp.Entries) != 0 {
		t.Errorf("unexpected history page: %+v", resp)
	}
}

func TestAffinityEmpty(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	rec := env.request(t, http.MethodGet, "/api/v1/users/alice/affinity", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp struct {
		UserID     string                 `json:"user_id"`
		Affinities []models.TrackAffinity `json:"affinities"`
	}
	decodeBody(t, rec, &resp)
	if resp.UserID != "alice" || len(resp.Affinities) != 0 {
		t.Errorf("unexpected affinity response: %+v", resp)
	}
}

func TestSessionsFromStore(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	sess := &models.ListeningSession{
		ID:         uuid.New(),
		UserID:     "alice",
		StartedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		TrackCount: 3,
	}
	if err := env.store.OpenOrExtendSession(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	rec := env.request(t, http.MethodGet, "/api/v1/users/alice/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp struct {
		Sessions []models.ListeningSession `json:"sessions"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0].TrackCount != 3 {
		t.Errorf("unexpected sessions: %+v", resp.Sessions)
	}
}

func TestConversionsFromStore(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	conv := &models.SearchConversion{
		UserID:     "alice",
		Query:      "bowie",
		TrackURI:   "t:1",
		SearchedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		QueuedAt:   time.Date(2026, 8, 1, 12, 0, 10, 0, time.UTC),
	}
	if err := env.store.RecordSearchConversion(context.Background(), conv); err != nil {
		t.Fatalf("seed conversion: %v", err)
	}

	rec := env.request(t, http.MethodGet, "/api/v1/users/alice/conversions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp struct {
		Conversions []models.SearchConversion `json:"conversions"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Conversions) != 1 || resp.Conversions[0].Query != "bowie" {
		t.Errorf("unexpected conversions: %+v", resp.Conversions)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	rec := env.request(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("status field: got %v", resp["status"])
	}

	env.upstreamUp = false
	rec = env.request(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded status code: got %d, want 200", rec.Code)
	}
	decodeBody(t, rec, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("degraded status field: got %v", resp["status"])
	}
}

func TestProbes(t *testing.T) {
	env := newTestEnv(t, securityWithAdmin())

	if rec := env.request(t, http.MethodGet, "/live", ""); rec.Code != http.StatusOK {
		t.Errorf("live: got %d", rec.Code)
	}
	if rec := env.request(t, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("ready: got %d", rec.Code)
	}
}
