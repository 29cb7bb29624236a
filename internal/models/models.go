// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package models defines the shared domain types: canonical playback
// state, state-log entries, affinity records, and listening sessions.
package models

import (
	"time"

	"github.com/google/uuid"
)

// PlaybackStatus is the coarse player state.
type PlaybackStatus string

const (
	StatusStopped PlaybackStatus = "stopped"
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
)

// Track describes the media item a transition refers to.
type Track struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Genre    string `json:"genre,omitempty"`
	Duration int    `json:"duration_ms,omitempty"` // milliseconds
}

// PlaybackState is the canonical "what is playing now" snapshot. It is
// owned exclusively by the attribution engine and mutated only by it;
// consumers receive copies.
type PlaybackState struct {
	Status       PlaybackStatus `json:"status"`
	CurrentTrack *Track         `json:"current_track,omitempty"`
	PositionMS   int            `json:"position_ms"`
	Volume       int            `json:"volume"`
	QueueLength  int            `json:"queue_length"`
	Repeat       bool           `json:"repeat"`
	Random       bool           `json:"random"`
	Single       bool           `json:"single"`
	Consume      bool           `json:"consume"`
	LastEventAt  time.Time      `json:"last_event_at"`
}

// NewPlaybackState returns the empty initial state.
func NewPlaybackState() PlaybackState {
	return PlaybackState{Status: StatusStopped, Volume: -1}
}

// StateLogEntry is an immutable record of one canonical-state
// transition. Write-once; never mutated after append.
type StateLogEntry struct {
	ID          uuid.UUID `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	Track       *Track    `json:"track,omitempty"`
	PositionMS  int       `json:"position_ms"`
	Volume      int       `json:"volume"`
	QueueLength int       `json:"queue_length"`

	// UserID is nil for external/ambient transitions (another client,
	// hardware button, auto-advance).
	UserID *string `json:"user_id,omitempty"`
}

// Attributed reports whether the transition was caused by a known user.
func (e *StateLogEntry) Attributed() bool {
	return e.UserID != nil
}

// AffinityDelta carries one increment to a user's affinity counters.
// Exactly one of the count fields is typically set per event.
type AffinityDelta struct {
	Plays      int `json:"plays,omitempty"`
	Skips      int `json:"skips,omitempty"`
	QueueAdds  int `json:"queue_adds,omitempty"`
	ListenedMS int `json:"listened_ms,omitempty"`
}

// TrackAffinity holds the monotonically-updated counters for one
// user x track pair plus the derived score. The score is always a pure
// function of the counters at the instant of the last update.
type TrackAffinity struct {
	UserID       string    `json:"user_id"`
	TrackURI     string    `json:"track_uri"`
	TrackName    string    `json:"track_name,omitempty"`
	Artist       string    `json:"artist,omitempty"`
	PlayCount    int       `json:"play_count"`
	SkipCount    int       `json:"skip_count"`
	QueueCount   int       `json:"queue_count"`
	ListenedMS   int64     `json:"listened_ms"`
	LastPlayedAt time.Time `json:"last_played_at"`
	Score        float64   `json:"score"`
}

// ArtistAffinity mirrors TrackAffinity for a user x artist pair.
type ArtistAffinity struct {
	UserID       string    `json:"user_id"`
	Artist       string    `json:"artist"`
	PlayCount    int       `json:"play_count"`
	SkipCount    int       `json:"skip_count"`
	QueueCount   int       `json:"queue_count"`
	ListenedMS   int64     `json:"listened_ms"`
	LastPlayedAt time.Time `json:"last_played_at"`
	Score        float64   `json:"score"`
}

// ListeningSession is a contiguous run of one user's activity bounded
// by inactivity gaps.
type ListeningSession struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"` // nil while open
	TrackCount int        `json:"track_count"`
	// DominantGenre is the most frequent genre among the session's
	// tracks, recomputed as tracks accumulate.
	DominantGenre string `json:"dominant_genre,omitempty"`
}

// Open reports whether the session has not yet been closed.
func (s *ListeningSession) Open() bool {
	return s.EndedAt == nil
}

// SearchConversion links a search query to a track the same user
// queued shortly after seeing the results.
type SearchConversion struct {
	UserID         string    `json:"user_id"`
	Query          string    `json:"query"`
	TrackURI       string    `json:"track_uri"`
	ResultPosition int       `json:"result_position"` // 0-based index in the result list
	SearchedAt     time.Time `json:"searched_at"`
	QueuedAt       time.Time `json:"queued_at"`
}
