// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package metrics provides Prometheus instrumentation for the relay:
// upstream connectivity, bus fan-out, session counts, attribution
// outcomes, and persistence pipeline health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream connector metrics
	UpstreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_connected",
			Help: "1 when the upstream Mopidy connection is established, 0 otherwise",
		},
	)

	UpstreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_reconnects_total",
			Help: "Total number of upstream reconnect attempts",
		},
	)

	UpstreamSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_send_failures_total",
			Help: "Total number of upstream sends that failed (including sends while disconnected)",
		},
	)

	UpstreamFramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_frames_received_total",
			Help: "Total number of frames received from the upstream server",
		},
	)

	// Event bus metrics
	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_subscribers",
			Help: "Current number of bus subscribers",
		},
	)

	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"kind"},
	)

	BusDeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_deliveries_dropped_total",
			Help: "Total number of per-subscriber deliveries dropped due to a full buffer",
		},
	)

	BusCommandsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_commands_dropped_total",
			Help: "Total number of commands dropped because no command handler was registered",
		},
	)

	// Client session metrics
	RelaySessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Current number of connected browser sessions",
		},
	)

	RelayCommandsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_commands_forwarded_total",
			Help: "Total number of commands forwarded upstream",
		},
		[]string{"authenticated"},
	)

	RelayCommandsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_commands_throttled_total",
			Help: "Total number of inbound commands rejected by the per-session throttle",
		},
	)

	// Attribution engine metrics
	EngineTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_transitions_total",
			Help: "Total number of canonical state transitions processed",
		},
		[]string{"event_type", "attributed"},
	)

	EngineHintsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_hints_expired_total",
			Help: "Total number of attribution hints discarded unconsumed past the window",
		},
	)

	EngineSessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_sessions_opened_total",
			Help: "Total number of listening sessions opened",
		},
	)

	EngineSearchConversions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_search_conversions_total",
			Help: "Total number of search-to-queue conversions recorded",
		},
	)

	// Persistence pipeline metrics
	PersistOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persist_ops_total",
			Help: "Total number of persist operations applied to the store",
		},
		[]string{"op", "outcome"},
	)

	PersistBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "persist_breaker_open",
			Help: "1 when the store circuit breaker is open, 0 otherwise",
		},
	)

	// Store query metrics
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
