// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package api exposes the HTTP surface: the /ws relay endpoint, the
// analytics read API, login, health, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jukewire/jukewire/internal/auth"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/engine"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/store"
)

// Server wires the HTTP routes and runs the listener as a supervised
// service.
type Server struct {
	server   config.ServerConfig
	security config.SecurityConfig

	engine    *engine.Engine
	store     *store.Store
	tokens    *auth.JWTManager
	wsHandler http.Handler

	// upstreamConnected feeds the readiness probe.
	upstreamConnected func() bool

	httpServer *http.Server
}

// New assembles the API server.
func New(
	serverCfg config.ServerConfig,
	securityCfg config.SecurityConfig,
	eng *engine.Engine,
	st *store.Store,
	tokens *auth.JWTManager,
	wsHandler http.Handler,
	upstreamConnected func() bool,
) *Server {
	s := &Server{
		server:            serverCfg,
		security:          securityCfg,
		engine:            eng,
		store:             st,
		tokens:            tokens,
		wsHandler:         wsHandler,
		upstreamConnected: upstreamConnected,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// String implements fmt.Stringer for supervisor logging.
func (s *Server) String() string {
	return "http-server"
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// WebSocket upgrades must not sit behind the request timeout.
	r.Handle("/ws", s.wsHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.handleHealth)
	r.Get("/live", s.handleLive)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.server.Timeout))
		if s.security.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(s.security.RateLimitReqs, s.security.RateLimitWindow))
		}

		r.Post("/auth/login", s.handleLogin)
		r.Get("/now-playing", s.handleNowPlaying)
		r.Get("/history", s.handleHistory)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/affinity", s.handleAffinity)
			r.Get("/sessions", s.handleSessions)
			r.Get("/conversions", s.handleConversions)
		})
	})

	return r
}

// Serve implements suture.Service: listen until the context is
// canceled, then drain with a bounded shutdown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.server.Timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http shutdown failed, closing hard")
			_ = s.httpServer.Close()
		}
		<-errCh
		return ctx.Err()
	}
}
