// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package pipeline moves persist operations from the attribution
// engine to the DuckDB store through an in-process Watermill channel.
// The engine's writes are fire-and-forget; the pipeline adds what the
// engine deliberately does not have: retry with backoff, a circuit
// breaker around the store, and a poison topic for ops that exhaust
// their retries.
package pipeline

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/metrics"
	"github.com/jukewire/jukewire/internal/models"
)

// TopicPersistOps carries all persist operations from engine to store.
const TopicPersistOps = "persist.ops"

// Op names, also used as the envelope discriminator and metric label.
const (
	opAppendStateLog         = "append_state_log"
	opUpsertTrackAffinity    = "upsert_track_affinity"
	opUpsertArtistAffinity   = "upsert_artist_affinity"
	opOpenOrExtendSession    = "open_or_extend_session"
	opRecordSearchConversion = "record_search_conversion"
)

// envelope is the wire format of one persist op.
type envelope struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Applier is the store-side surface the pipeline writes to. Satisfied
// by *store.Store.
type Applier interface {
	AppendStateLog(ctx context.Context, entry *models.StateLogEntry) error
	UpsertTrackAffinity(ctx context.Context, aff *models.TrackAffinity) error
	UpsertArtistAffinity(ctx context.Context, aff *models.ArtistAffinity) error
	OpenOrExtendSession(ctx context.Context, sess *models.ListeningSession) error
	RecordSearchConversion(ctx context.Context, conv *models.SearchConversion) error
}

// Pipeline owns the gochannel pub/sub, the consuming router, and the
// store circuit breaker. Create with New, start with Serve under a
// supervisor, hand Gateway() to the engine.
type Pipeline struct {
	cfg     config.PipelineConfig
	store   Applier
	pubsub  *gochannel.GoChannel
	router  *message.Router
	breaker *gobreaker.CircuitBreaker[any]
	gateway *Gateway
}

// New builds the pipeline around the given store.
func New(cfg config.PipelineConfig, store Applier) (*Pipeline, error) {
	logger := newLoggerAdapter()

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.BufferSize,
	}, logger)

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create persist router: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		pubsub:  pubsub,
		router:  router,
		gateway: &Gateway{pub: pubsub},
	}

	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "duckdb-store",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.PersistBreakerState.Set(1)
			} else {
				metrics.PersistBreakerState.Set(0)
			}
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state changed")
		},
	})

	// Middleware order, outer to inner: recover panics, retry transient
	// store failures, then poison anything that still fails.
	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      2.0,
		Logger:          logger,
	}
	router.AddMiddleware(retry.Middleware)
	if cfg.PoisonTopic != "" {
		poison, err := middleware.PoisonQueue(pubsub, cfg.PoisonTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue: %w", err)
		}
		router.AddMiddleware(poison)
	}

	router.AddConsumerHandler("persist-writer", TopicPersistOps, pubsub, p.handle)

	return p, nil
}

// Gateway returns the engine-facing publisher.
func (p *Pipeline) Gateway() *Gateway {
	return p.gateway
}

// String implements fmt.Stringer for supervisor logging.
func (p *Pipeline) String() string {
	return "persist-pipeline"
}

// Running returns a channel that closes once the router is consuming.
func (p *Pipeline) Running() <-chan struct{} {
	return p.router.Running()
}

// Serve implements suture.Service: run the router until the context is
// canceled, then close the pub/sub so publishers fail fast instead of
// blocking on a dead channel.
func (p *Pipeline) Serve(ctx context.Context) error {
	err := p.router.Run(ctx)
	if closeErr := p.pubsub.Close(); closeErr != nil {
		logging.Warn().Err(closeErr).Msg("persist pubsub close failed")
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// handle applies one persist op to the store through the breaker.
// Returned errors drive the retry middleware; exhausted retries land on
// the poison topic.
func (p *Pipeline) handle(msg *message.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		// An undecodable envelope fails every retry identically; ack it
		// instead of churning through the retry schedule.
		logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("discarding undecodable persist op")
		return nil
	}

	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.apply(msg.Context(), &env)
	})
	if err != nil {
		metrics.PersistOps.WithLabelValues(env.Op, "error").Inc()
		return fmt.Errorf("apply %s: %w", env.Op, err)
	}
	metrics.PersistOps.WithLabelValues(env.Op, "ok").Inc()
	return nil
}

// apply decodes the payload and dispatches to the store.
func (p *Pipeline) apply(ctx context.Context, env *envelope) error {
	switch env.Op {
	case opAppendStateLog:
		var entry models.StateLogEntry
		if err := json.Unmarshal(env.Payload, &entry); err != nil {
			return fmt.Errorf("decode state log entry: %w", err)
		}
		return p.store.AppendStateLog(ctx, &entry)

	case opUpsertTrackAffinity:
		var aff models.TrackAffinity
		if err := json.Unmarshal(env.Payload, &aff); err != nil {
			return fmt.Errorf("decode track affinity: %w", err)
		}
		return p.store.UpsertTrackAffinity(ctx, &aff)

	case opUpsertArtistAffinity:
		var aff models.ArtistAffinity
		if err := json.Unmarshal(env.Payload, &aff); err != nil {
			return fmt.Errorf("decode artist affinity: %w", err)
		}
		return p.store.UpsertArtistAffinity(ctx, &aff)

	case opOpenOrExtendSession:
		var sess models.ListeningSession
		if err := json.Unmarshal(env.Payload, &sess); err != nil {
			return fmt.Errorf("decode listening session: %w", err)
		}
		return p.store.OpenOrExtendSession(ctx, &sess)

	case opRecordSearchConversion:
		var conv models.SearchConversion
		if err := json.Unmarshal(env.Payload, &conv); err != nil {
			return fmt.Errorf("decode search conversion: %w", err)
		}
		return p.store.RecordSearchConversion(ctx, &conv)

	default:
		logging.Error().Str("op", env.Op).Msg("unknown persist op, discarding")
		return nil
	}
}

// Gateway publishes persist ops onto the pipeline. It satisfies the
// engine's Gateway interface: Publish errors surface to the engine,
// which logs and moves on.
type Gateway struct {
	pub message.Publisher
}

func (g *Gateway) publish(op string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	data, err := json.Marshal(envelope{Op: op, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", op, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := g.pub.Publish(TopicPersistOps, msg); err != nil {
		return fmt.Errorf("publish %s: %w", op, err)
	}
	return nil
}

// AppendStateLog implements engine.Gateway.
func (g *Gateway) AppendStateLog(entry *models.StateLogEntry) error {
	return g.publish(opAppendStateLog, entry)
}

// UpsertTrackAffinity implements engine.Gateway.
func (g *Gateway) UpsertTrackAffinity(aff *models.TrackAffinity) error {
	return g.publish(opUpsertTrackAffinity, aff)
}

// UpsertArtistAffinity implements engine.Gateway.
func (g *Gateway) UpsertArtistAffinity(aff *models.ArtistAffinity) error {
	return g.publish(opUpsertArtistAffinity, aff)
}

// OpenOrExtendSession implements engine.Gateway.
func (g *Gateway) OpenOrExtendSession(sess *models.ListeningSession) error {
	return g.publish(opOpenOrExtendSession, sess)
}

// RecordSearchConversion implements engine.Gateway.
func (g *Gateway) RecordSearchConversion(conv *models.SearchConversion) error {
	return g.publish(opRecordSearchConversion, conv)
}
