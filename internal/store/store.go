// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package store persists the attribution engine's output in DuckDB:
// the state log, affinity tables, listening sessions, and search
// conversions. Writes arrive through the persistence pipeline; reads
// back the analytics API.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/metrics"
	"github.com/jukewire/jukewire/internal/models"
)

// Store wraps the DuckDB handle. Safe for concurrent use; database/sql
// serializes access to the single writer connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database and applies the schema. An
// empty path opens an in-memory database, used by tests.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dsn := buildDSN(cfg)

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// DuckDB supports one writer; funnel everything through a single
	// connection to avoid write-write conflicts.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("duckdb store opened")
	return s, nil
}

func buildDSN(cfg config.DatabaseConfig) string {
	params := url.Values{}
	if cfg.MaxMemory != "" {
		params.Set("max_memory", cfg.MaxMemory)
	}
	if cfg.Threads > 0 {
		params.Set("threads", fmt.Sprintf("%d", cfg.Threads))
	}
	dsn := cfg.Path
	if encoded := params.Encode(); encoded != "" {
		dsn += "?" + encoded
	}
	return dsn
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// observe records a query duration metric.
func observe(operation string, start time.Time) {
	metrics.StoreQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// AppendStateLog inserts one state-log row.
func (s *Store) AppendStateLog(ctx context.Context, entry *models.StateLogEntry) error {
	defer observe("append_state_log", time.Now())

	var (
		trackURI, trackName, artist, album, genre string
		durationMS                                int
	)
	if entry.Track != nil {
		trackURI = entry.Track.URI
		trackName = entry.Track.Name
		artist = entry.Track.Artist
		album = entry.Track.Album
		genre = entry.Track.Genre
		durationMS = entry.Track.Duration
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_log (
			id, ts, event_type, track_uri, track_name, artist, album, genre,
			duration_ms, position_ms, volume, queue_length, user_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Timestamp, entry.EventType,
		trackURI, trackName, artist, album, genre,
		durationMS, entry.PositionMS, entry.Volume, entry.QueueLength,
		entry.UserID,
	)
	if err != nil {
		return fmt.Errorf("append state log: %w", err)
	}
	return nil
}

// UpsertTrackAffinity replaces the user x track affinity row with the
// engine's current counters. The engine is the source of truth; the
// row is a snapshot, not an accumulator.
func (s *Store) UpsertTrackAffinity(ctx context.Context, aff *models.TrackAffinity) error {
	defer observe("upsert_track_affinity", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO track_affinity (
			user_id, track_uri, track_name, artist,
			play_count, skip_count, queue_count, listened_ms, last_played_at, score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, track_uri) DO UPDATE SET
			track_name = excluded.track_name,
			artist = excluded.artist,
			play_count = excluded.play_count,
			skip_count = excluded.skip_count,
			queue_count = excluded.queue_count,
			listened_ms = excluded.listened_ms,
			last_played_at = excluded.last_played_at,
			score = excluded.score`,
		aff.UserID, aff.TrackURI, aff.TrackName, aff.Artist,
		aff.PlayCount, aff.SkipCount, aff.QueueCount, aff.ListenedMS,
		aff.LastPlayedAt, aff.Score,
	)
	if err != nil {
		return fmt.Errorf("upsert track affinity: %w", err)
	}
	return nil
}

// UpsertArtistAffinity replaces the user x artist affinity row.
func (s *Store) UpsertArtistAffinity(ctx context.Context, aff *models.ArtistAffinity) error {
	defer observe("upsert_artist_affinity", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artist_affinity (
			user_id, artist,
			play_count, skip_count, queue_count, listened_ms, last_played_at, score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, artist) DO UPDATE SET
			play_count = excluded.play_count,
			skip_count = excluded.skip_count,
			queue_count = excluded.queue_count,
			listened_ms = excluded.listened_ms,
			last_played_at = excluded.last_played_at,
			score = excluded.score`,
		aff.UserID, aff.Artist,
		aff.PlayCount, aff.SkipCount, aff.QueueCount, aff.ListenedMS,
		aff.LastPlayedAt, aff.Score,
	)
	if err != nil {
		return fmt.Errorf("upsert artist affinity: %w", err)
	}
	return nil
}

// OpenOrExtendSession upserts a listening session by ID. The same row
// is rewritten as the session grows and once more when it closes.
func (s *Store) OpenOrExtendSession(ctx context.Context, sess *models.ListeningSession) error {
	defer observe("open_or_extend_session", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listening_sessions (
			id, user_id, started_at, ended_at, track_count, dominant_genre
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = excluded.ended_at,
			track_count = excluded.track_count,
			dominant_genre = excluded.dominant_genre`,
		sess.ID.String(), sess.UserID, sess.StartedAt, sess.EndedAt,
		sess.TrackCount, sess.DominantGenre,
	)
	if err != nil {
		return fmt.Errorf("upsert listening session: %w", err)
	}
	return nil
}

// RecordSearchConversion inserts one conversion row.
func (s *Store) RecordSearchConversion(ctx context.Context, conv *models.SearchConversion) error {
	defer observe("record_search_conversion", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_conversions (
			user_id, query, track_uri, result_position, searched_at, queued_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		conv.UserID, conv.Query, conv.TrackURI, conv.ResultPosition,
		conv.SearchedAt, conv.QueuedAt,
	)
	if err != nil {
		return fmt.Errorf("record search conversion: %w", err)
	}
	return nil
}

// UserSessions returns a user's listening sessions, newest first.
func (s *Store) UserSessions(ctx context.Context, userID string, limit int) ([]models.ListeningSession, error) {
	defer observe("user_sessions", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, started_at, ended_at, track_count, dominant_genre
		FROM listening_sessions
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.ListeningSession, 0, limit)
	for rows.Next() {
		var (
			sess  models.ListeningSession
			rawID string
			ended sql.NullTime
		)
		if err := rows.Scan(&rawID, &sess.UserID, &sess.StartedAt, &ended, &sess.TrackCount, &sess.DominantGenre); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.ID, err = parseUUID(rawID); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			sess.EndedAt = &t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UserConversions returns a user's search conversions, newest first.
func (s *Store) UserConversions(ctx context.Context, userID string, limit int) ([]models.SearchConversion, error) {
	defer observe("user_conversions", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, query, track_uri, result_position, searched_at, queued_at
		FROM search_conversions
		WHERE user_id = ?
		ORDER BY queued_at DESC
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversions: %w", err)
	}
	defer rows.Close()

	convs := make([]models.SearchConversion, 0, limit)
	for rows.Next() {
		var conv models.SearchConversion
		if err := rows.Scan(&conv.UserID, &conv.Query, &conv.TrackURI, &conv.ResultPosition, &conv.SearchedAt, &conv.QueuedAt); err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// StateLogCount returns the number of persisted state-log rows.
func (s *Store) StateLogCount(ctx context.Context) (int64, error) {
	defer observe("state_log_count", time.Now())

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM state_log`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count state log: %w", err)
	}
	return count, nil
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
