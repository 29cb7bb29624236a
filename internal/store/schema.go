// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// schema is applied idempotently at startup. DuckDB DDL is cheap and
// IF NOT EXISTS keeps restarts safe; there is no migration versioning
// yet because the schema has never changed shape.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS state_log (
		id VARCHAR PRIMARY KEY,
		ts TIMESTAMP NOT NULL,
		event_type VARCHAR NOT NULL,
		track_uri VARCHAR,
		track_name VARCHAR,
		artist VARCHAR,
		album VARCHAR,
		genre VARCHAR,
		duration_ms INTEGER,
		position_ms INTEGER,
		volume INTEGER,
		queue_length INTEGER,
		user_id VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS track_affinity (
		user_id VARCHAR NOT NULL,
		track_uri VARCHAR NOT NULL,
		track_name VARCHAR,
		artist VARCHAR,
		play_count INTEGER NOT NULL DEFAULT 0,
		skip_count INTEGER NOT NULL DEFAULT 0,
		queue_count INTEGER NOT NULL DEFAULT 0,
		listened_ms BIGINT NOT NULL DEFAULT 0,
		last_played_at TIMESTAMP,
		score DOUBLE NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, track_uri)
	)`,
	`CREATE TABLE IF NOT EXISTS artist_affinity (
		user_id VARCHAR NOT NULL,
		artist VARCHAR NOT NULL,
		play_count INTEGER NOT NULL DEFAULT 0,
		skip_count INTEGER NOT NULL DEFAULT 0,
		queue_count INTEGER NOT NULL DEFAULT 0,
		listened_ms BIGINT NOT NULL DEFAULT 0,
		last_played_at TIMESTAMP,
		score DOUBLE NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, artist)
	)`,
	`CREATE TABLE IF NOT EXISTS listening_sessions (
		id VARCHAR PRIMARY KEY,
		user_id VARCHAR NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		track_count INTEGER NOT NULL DEFAULT 0,
		dominant_genre VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS search_conversions (
		user_id VARCHAR NOT NULL,
		query VARCHAR NOT NULL,
		track_uri VARCHAR NOT NULL,
		result_position INTEGER NOT NULL,
		searched_at TIMESTAMP NOT NULL,
		queued_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_log_ts ON state_log (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_state_log_user ON state_log (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON listening_sessions (user_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversions_user ON search_conversions (user_id, queued_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse stored uuid %q: %w", raw, err)
	}
	return id, nil
}
