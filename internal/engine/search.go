// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package engine

import (
	"time"

	"github.com/jukewire/jukewire/internal/metrics"
	"github.com/jukewire/jukewire/internal/models"
)

// searchRecord is a user's most recent search: the query text and the
// ordered result URIs, kept until consumed or aged out.
type searchRecord struct {
	query   string
	results []string
	at      time.Time
}

// correlateSearch records a conversion for each queued URI that appears
// in the user's recent search results. The record is consumed on first
// use: one search converts at most once, even when the add carried
// several result tracks.
func (e *Engine) correlateSearch(userID string, uris []string, now time.Time) {
	rec, ok := e.searches[userID]
	if !ok {
		return
	}
	if now.Sub(rec.at) > e.cfg.SearchWindow {
		delete(e.searches, userID)
		return
	}

	positions := make(map[string]int, len(rec.results))
	for i, uri := range rec.results {
		if _, seen := positions[uri]; !seen {
			positions[uri] = i
		}
	}

	converted := false
	for _, uri := range uris {
		pos, hit := positions[uri]
		if !hit {
			continue
		}
		conv := &models.SearchConversion{
			UserID:         userID,
			Query:          rec.query,
			TrackURI:       uri,
			ResultPosition: pos,
			SearchedAt:     rec.at,
			QueuedAt:       now,
		}
		persist("record_search_conversion", e.gateway.RecordSearchConversion(conv))
		metrics.EngineSearchConversions.Inc()
		converted = true
	}
	if converted {
		delete(e.searches, userID)
	}
}
