// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package engine

import (
	"math"
	"sort"
	"time"

	"github.com/jukewire/jukewire/internal/models"
)

type affinityKey struct {
	userID   string
	trackURI string
}

type artistKey struct {
	userID string
	artist string
}

// bumpAffinity applies one delta to the user's track affinity (and the
// artist affinity when the track names an artist), recomputes scores,
// and persists both upserts.
func (e *Engine) bumpAffinity(userID string, track *models.Track, delta models.AffinityDelta, now time.Time) {
	tk := affinityKey{userID: userID, trackURI: track.URI}
	ta, ok := e.track[tk]
	if !ok {
		ta = &models.TrackAffinity{UserID: userID, TrackURI: track.URI}
		e.track[tk] = ta
	}
	if track.Name != "" {
		ta.TrackName = track.Name
	}
	if track.Artist != "" {
		ta.Artist = track.Artist
	}
	ta.PlayCount += delta.Plays
	ta.SkipCount += delta.Skips
	ta.QueueCount += delta.QueueAdds
	ta.ListenedMS += int64(delta.ListenedMS)
	ta.LastPlayedAt = now
	ta.Score = trackScore(ta, now)

	aff := *ta
	persist("upsert_track_affinity", e.gateway.UpsertTrackAffinity(&aff))

	if track.Artist == "" {
		return
	}
	ak := artistKey{userID: userID, artist: track.Artist}
	aa, ok := e.artist[ak]
	if !ok {
		aa = &models.ArtistAffinity{UserID: userID, Artist: track.Artist}
		e.artist[ak] = aa
	}
	aa.PlayCount += delta.Plays
	aa.SkipCount += delta.Skips
	aa.QueueCount += delta.QueueAdds
	aa.ListenedMS += int64(delta.ListenedMS)
	aa.LastPlayedAt = now
	aa.Score = artistScore(aa, now)

	art := *aa
	persist("upsert_artist_affinity", e.gateway.UpsertArtistAffinity(&art))
}

// trackScore derives the affinity score from the counters. Plays and
// queue adds count logarithmically so heavy rotation saturates, skips
// subtract, listened time adds up to one play-equivalent per hour, and
// the whole thing decays with a 30-day half-life of inactivity. Pure
// function of the counters and the clock.
func trackScore(a *models.TrackAffinity, now time.Time) float64 {
	raw := 2.0*math.Log1p(float64(a.PlayCount)) +
		1.0*math.Log1p(float64(a.QueueCount)) +
		math.Log1p(float64(a.ListenedMS)/3_600_000) -
		1.5*math.Log1p(float64(a.SkipCount))
	return raw * recencyDecay(a.LastPlayedAt, now)
}

// artistScore uses the same shape as trackScore.
func artistScore(a *models.ArtistAffinity, now time.Time) float64 {
	raw := 2.0*math.Log1p(float64(a.PlayCount)) +
		1.0*math.Log1p(float64(a.QueueCount)) +
		math.Log1p(float64(a.ListenedMS)/3_600_000) -
		1.5*math.Log1p(float64(a.SkipCount))
	return raw * recencyDecay(a.LastPlayedAt, now)
}

const decayHalfLife = 30 * 24 * time.Hour

func recencyDecay(last, now time.Time) float64 {
	if last.IsZero() || !now.After(last) {
		return 1
	}
	age := now.Sub(last)
	return math.Exp2(-float64(age) / float64(decayHalfLife))
}

// topTracks returns the user's track affinities ordered by score
// descending, ties broken by URI for stable output.
func (e *Engine) topTracks(userID string, limit int) []models.TrackAffinity {
	out := make([]models.TrackAffinity, 0, limit)
	for key, aff := range e.track {
		if key.userID == userID {
			out = append(out, *aff)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TrackURI < out[j].TrackURI
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
