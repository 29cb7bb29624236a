// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Command server runs the Jukewire relay: one supervised process that
// bridges browser WebSocket clients to a Mopidy server and records who
// listened to what.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jukewire/jukewire/internal/api"
	"github.com/jukewire/jukewire/internal/auth"
	"github.com/jukewire/jukewire/internal/bus"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/engine"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/pipeline"
	"github.com/jukewire/jukewire/internal/relay"
	"github.com/jukewire/jukewire/internal/store"
	"github.com/jukewire/jukewire/internal/supervisor"
	"github.com/jukewire/jukewire/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jukewire: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("upstream", cfg.Upstream.URL).
		Bool("attribution", cfg.AttributionEnabled()).
		Msg("jukewire starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warn().Err(err).Msg("store close failed")
		}
	}()

	pipe, err := pipeline.New(cfg.Pipeline, st)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	b := bus.New(cfg.Relay.SendBuffer)
	connector := upstream.New(cfg.Upstream, b)
	eng := engine.New(cfg.Engine, b, pipe.Gateway())

	tokens := auth.NewJWTManager(cfg.Security)
	wsHandler := relay.NewHandler(cfg.Relay, b, tokens, eng, connector.Connected)
	server := api.New(cfg.Server, cfg.Security, eng, st, tokens, wsHandler, connector.Connected)

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddRelayService(b)
	tree.AddRelayService(pipe)
	tree.AddRelayService(eng)
	tree.AddRelayService(connector)
	tree.AddAPIService(server)

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor exited: %w", err)
	}

	logging.Info().Msg("jukewire stopped")
	return nil
}
