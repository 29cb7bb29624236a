// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package config loads and validates Jukewire configuration.
//
// Configuration is layered with Koanf v2 (highest priority wins):
//  1. Environment variables
//  2. Optional YAML config file
//  3. Built-in defaults
package config

import (
	"time"
)

// Config is the root configuration for the Jukewire server.
type Config struct {
	Upstream UpstreamConfig `koanf:"upstream"`
	Relay    RelayConfig    `koanf:"relay"`
	Engine   EngineConfig   `koanf:"engine"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Database DatabaseConfig `koanf:"database"`
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// UpstreamConfig configures the single connection to the Mopidy server.
type UpstreamConfig struct {
	// URL is the Mopidy WebSocket endpoint.
	URL string `koanf:"url" validate:"required,url"`

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// BackoffSeed is the initial reconnect delay. The delay doubles per
	// consecutive failure up to BackoffCap and resets on a successful
	// connect.
	BackoffSeed time.Duration `koanf:"backoff_seed" validate:"gt=0"`
	BackoffCap  time.Duration `koanf:"backoff_cap" validate:"gtefield=BackoffSeed"`

	// PingInterval is how often the connector pings Mopidy to detect a
	// dead transport. PongWait must exceed PingInterval.
	PingInterval time.Duration `koanf:"ping_interval"`
	PongWait     time.Duration `koanf:"pong_wait"`

	// WriteTimeout bounds a single upstream frame write.
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// RelayConfig configures browser-facing client sessions.
type RelayConfig struct {
	// SendBuffer is the per-session broadcast buffer. A session whose
	// buffer overruns has frames dropped rather than stalling the bus.
	SendBuffer int `koanf:"send_buffer" validate:"gt=0"`

	// CommandsPerSecond and CommandBurst throttle inbound commands per
	// session so one browser cannot saturate the shared upstream link.
	// CommandsPerSecond 0 disables throttling.
	CommandsPerSecond float64 `koanf:"commands_per_second"`
	CommandBurst      int     `koanf:"command_burst"`

	// WriteTimeout bounds a single browser socket write.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// MaxFrameBytes limits inbound frame size.
	MaxFrameBytes int64 `koanf:"max_frame_bytes"`
}

// EngineConfig holds the attribution policy constants. These are policy
// parameters pending product confirmation, not hard invariants, so they
// are configurable with the recommended defaults.
type EngineConfig struct {
	// AttributionWindow is the maximum age of a user command hint for an
	// upstream transition to be attributed to that user.
	AttributionWindow time.Duration `koanf:"attribution_window" validate:"gt=0"`

	// SessionGap is the inactivity threshold that closes a listening
	// session and opens a new one.
	SessionGap time.Duration `koanf:"session_gap" validate:"gt=0"`

	// SearchWindow is how long a search result set remains eligible for
	// conversion correlation with a subsequent queue add.
	SearchWindow time.Duration `koanf:"search_window" validate:"gt=0"`

	// HistorySize is the capacity of the in-memory state-log ring that
	// serves paginated history queries.
	HistorySize int `koanf:"history_size" validate:"gt=0"`

	// MailboxSize is the engine mailbox capacity.
	MailboxSize int `koanf:"mailbox_size" validate:"gt=0"`
}

// PipelineConfig configures the persist-op pipeline between the engine
// and the store.
type PipelineConfig struct {
	// BufferSize is the gochannel output buffer per subscriber.
	BufferSize int64 `koanf:"buffer_size"`

	// Retry configuration for failed persist ops.
	RetryMaxRetries      int           `koanf:"retry_max_retries"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`

	// PoisonTopic receives ops that fail after all retries. Empty
	// disables the poison queue.
	PoisonTopic string `koanf:"poison_topic"`

	// Circuit breaker around store writes.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`

	// CloseTimeout is how long to wait for in-flight ops on shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// DatabaseConfig configures the embedded DuckDB analytics store.
type DatabaseConfig struct {
	// Path to the DuckDB database file. Empty string opens an in-memory
	// database (used by tests).
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB memory usage, e.g. "1GB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. 0 = runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// SecurityConfig configures authentication and request limits.
type SecurityConfig struct {
	// JWTSecret signs and verifies bearer tokens. Sessions presenting no
	// token or an invalid token still relay, but are never attributed.
	// Empty secret disables login and attribution entirely.
	JWTSecret    string        `koanf:"jwt_secret"`
	TokenTimeout time.Duration `koanf:"token_timeout"`

	AdminUsername string `koanf:"admin_username"`
	AdminPassword string `koanf:"admin_password"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			URL:              "ws://127.0.0.1:6680/mopidy/ws",
			HandshakeTimeout: 10 * time.Second,
			BackoffSeed:      1 * time.Second,
			BackoffCap:       30 * time.Second,
			PingInterval:     20 * time.Second,
			PongWait:         60 * time.Second,
			WriteTimeout:     10 * time.Second,
		},
		Relay: RelayConfig{
			SendBuffer:        256,
			CommandsPerSecond: 20,
			CommandBurst:      40,
			WriteTimeout:      10 * time.Second,
			MaxFrameBytes:     512 * 1024,
		},
		Engine: EngineConfig{
			AttributionWindow: 2 * time.Second,
			SessionGap:        5 * time.Minute,
			SearchWindow:      30 * time.Second,
			HistorySize:       1024,
			MailboxSize:       1024,
		},
		Pipeline: PipelineConfig{
			BufferSize:              1024,
			RetryMaxRetries:         3,
			RetryInitialInterval:    100 * time.Millisecond,
			RetryMaxInterval:        5 * time.Second,
			PoisonTopic:             "persist.poison",
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
			CloseTimeout:            10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/jukewire.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    6681,
			Timeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			TokenTimeout:    24 * time.Hour,
			AdminUsername:   "",
			AdminPassword:   "",
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
