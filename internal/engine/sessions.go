// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/jukewire/jukewire/internal/metrics"
	"github.com/jukewire/jukewire/internal/models"
)

// openSession tracks one user's in-progress listening session plus the
// genre tally backing the dominant-genre field.
type openSession struct {
	session    models.ListeningSession
	lastSeenAt time.Time
	genres     map[string]int
}

// touchSession extends the user's open session with this activity, or
// closes it and opens a fresh one when the inactivity gap exceeds the
// session boundary. Every attributed transition counts as activity;
// only track starts advance the track count.
func (e *Engine) touchSession(userID, eventType string, track *models.Track, now time.Time) {
	os, ok := e.sessions[userID]
	if ok && now.Sub(os.lastSeenAt) > e.cfg.SessionGap {
		e.closeSession(os, os.lastSeenAt)
		delete(e.sessions, userID)
		ok = false
	}

	if !ok {
		os = &openSession{
			session: models.ListeningSession{
				ID:        uuid.New(),
				UserID:    userID,
				StartedAt: now,
			},
			genres: make(map[string]int),
		}
		e.sessions[userID] = os
		metrics.EngineSessionsOpened.Inc()
	}

	os.lastSeenAt = now
	if eventType == EventTrackStarted {
		os.session.TrackCount++
		if track != nil && track.Genre != "" {
			os.genres[track.Genre]++
			os.session.DominantGenre = dominantGenre(os.genres)
		}
	}

	sess := os.session
	persist("open_or_extend_session", e.gateway.OpenOrExtendSession(&sess))
}

// closeSession stamps the end time and persists the final record.
func (e *Engine) closeSession(os *openSession, endedAt time.Time) {
	ended := endedAt
	os.session.EndedAt = &ended
	sess := os.session
	persist("open_or_extend_session", e.gateway.OpenOrExtendSession(&sess))
}

// flushSessions closes every open session at shutdown so no session is
// left dangling in the store.
func (e *Engine) flushSessions(now time.Time) {
	for userID, os := range e.sessions {
		end := os.lastSeenAt
		if end.IsZero() {
			end = now
		}
		e.closeSession(os, end)
		delete(e.sessions, userID)
	}
}

// dominantGenre picks the most frequent genre, ties broken
// alphabetically so the result is deterministic.
func dominantGenre(genres map[string]int) string {
	var (
		best  string
		count int
	)
	for g, n := range genres {
		if n > count || (n == count && g < best) {
			best = g
			count = n
		}
	}
	return best
}
