// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/jukewire/jukewire/internal/jsonrpc"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/metrics"
	"github.com/jukewire/jukewire/internal/models"
)

// Canonical event types recorded in the state log.
const (
	EventTrackStarted    = "track_started"
	EventTrackEnded      = "track_ended"
	EventPaused          = "paused"
	EventResumed         = "resumed"
	EventStateChanged    = "state_changed"
	EventSeeked          = "seeked"
	EventVolumeChanged   = "volume_changed"
	EventMuteChanged     = "mute_changed"
	EventTracklistChange = "tracklist_changed"
	EventOptionsChanged  = "options_changed"
)

// handleFrame processes one upstream frame at time now. Frames that
// are not Mopidy events (RPC responses, malformed text) cause no state
// transition; sessions already forwarded them to browsers.
func (e *Engine) handleFrame(frame []byte, now time.Time) {
	ev, err := jsonrpc.ParseEvent(frame)
	if err != nil {
		logging.Debug().Err(err).Msg("engine: unparseable upstream frame, ignoring")
		return
	}
	if ev == nil {
		return
	}

	eventType, ok := e.applyEvent(ev, now)
	if !ok {
		return
	}

	hint, attributed := e.takeHint(now)
	if attributed && eventType == EventTracklistChange {
		e.adjustQueueLength(hint)
	}

	entry := &models.StateLogEntry{
		ID:          uuid.New(),
		Timestamp:   now,
		EventType:   eventType,
		Track:       e.state.CurrentTrack,
		PositionMS:  e.state.PositionMS,
		Volume:      e.state.Volume,
		QueueLength: e.state.QueueLength,
	}
	if attributed {
		userID := hint.UserID
		entry.UserID = &userID
	}

	e.log.append(*entry)
	persist("append_state_log", e.gateway.AppendStateLog(entry))
	metrics.EngineTransitions.WithLabelValues(eventType, boolLabel(attributed)).Inc()

	if attributed {
		e.applyAttributed(eventType, ev, hint, now)
	}
}

// applyEvent mutates the canonical state for a Mopidy event and
// returns the state-log event type. Unknown events are ignored.
func (e *Engine) applyEvent(ev *jsonrpc.Event, now time.Time) (string, bool) {
	var eventType string

	switch ev.Name {
	case "track_playback_started":
		e.state.Status = models.StatusPlaying
		e.state.CurrentTrack = ev.Track()
		e.state.PositionMS = 0
		eventType = EventTrackStarted

	case "track_playback_ended":
		if ev.TimePosition != nil {
			e.state.PositionMS = *ev.TimePosition
		}
		eventType = EventTrackEnded

	case "track_playback_paused":
		e.state.Status = models.StatusPaused
		if ev.TimePosition != nil {
			e.state.PositionMS = *ev.TimePosition
		}
		eventType = EventPaused

	case "track_playback_resumed":
		e.state.Status = models.StatusPlaying
		if ev.TimePosition != nil {
			e.state.PositionMS = *ev.TimePosition
		}
		eventType = EventResumed

	case "playback_state_changed":
		switch ev.NewState {
		case "playing":
			e.state.Status = models.StatusPlaying
		case "paused":
			e.state.Status = models.StatusPaused
		case "stopped":
			e.state.Status = models.StatusStopped
			e.state.CurrentTrack = nil
			e.state.PositionMS = 0
		}
		eventType = EventStateChanged

	case "seeked":
		if ev.TimePosition != nil {
			e.state.PositionMS = *ev.TimePosition
		}
		eventType = EventSeeked

	case "volume_changed":
		if ev.Volume != nil {
			e.state.Volume = *ev.Volume
		}
		eventType = EventVolumeChanged

	case "mute_changed":
		eventType = EventMuteChanged

	case "tracklist_changed":
		eventType = EventTracklistChange

	case "options_changed":
		eventType = EventOptionsChanged

	default:
		return "", false
	}

	e.state.LastEventAt = now
	return eventType, true
}

// takeHint returns the freshest unexpired hint across all users and
// consumes it (one-shot). Expired hints are pruned as a side effect.
// Commands precede their effects by a short bounded round-trip; the
// narrow window keeps an unrelated user's later action from being
// pinned to an earlier transition.
func (e *Engine) takeHint(now time.Time) (Hint, bool) {
	var (
		best  Hint
		found bool
	)
	for userID, h := range e.hints {
		if now.Sub(h.IssuedAt) > e.cfg.AttributionWindow {
			delete(e.hints, userID)
			metrics.EngineHintsExpired.Inc()
			continue
		}
		if !found || h.IssuedAt.After(best.IssuedAt) {
			best = h
			found = true
		}
	}
	if found {
		delete(e.hints, best.UserID)
	}
	return best, found
}

// applyAttributed updates the per-user aggregates for an attributed
// transition: affinity counters, listening sessions, option flags, and
// search conversions.
func (e *Engine) applyAttributed(eventType string, ev *jsonrpc.Event, hint Hint, now time.Time) {
	e.touchSession(hint.UserID, eventType, e.state.CurrentTrack, now)

	switch eventType {
	case EventTrackStarted:
		if e.state.CurrentTrack != nil {
			e.bumpAffinity(hint.UserID, e.state.CurrentTrack, models.AffinityDelta{Plays: 1}, now)
		}

	case EventTrackEnded:
		track := ev.Track()
		if track == nil {
			track = e.state.CurrentTrack
		}
		if track != nil {
			delta := models.AffinityDelta{ListenedMS: e.state.PositionMS}
			if isSkipMethod(hint.Method) && !mostlyListened(e.state.PositionMS, track.Duration) {
				delta.Skips = 1
			}
			e.bumpAffinity(hint.UserID, track, delta, now)
		}

	case EventTracklistChange:
		if isQueueAddMethod(hint.Method) {
			for _, uri := range hint.TrackURIs {
				e.bumpAffinity(hint.UserID, &models.Track{URI: uri}, models.AffinityDelta{QueueAdds: 1}, now)
			}
			e.correlateSearch(hint.UserID, hint.TrackURIs, now)
		}

	case EventOptionsChanged:
		e.applyOptionFlag(hint)
	}
}

// applyOptionFlag keeps the canonical repeat/random/single/consume
// flags current when the attributed command carried the new value.
// External option changes are not visible in the event payload, so
// flags can drift until the next attributed change.
func (e *Engine) applyOptionFlag(hint Hint) {
	if hint.Flag == nil {
		return
	}
	switch hint.Method {
	case "core.tracklist.set_repeat":
		e.state.Repeat = *hint.Flag
	case "core.tracklist.set_random":
		e.state.Random = *hint.Flag
	case "core.tracklist.set_single":
		e.state.Single = *hint.Flag
	case "core.tracklist.set_consume":
		e.state.Consume = *hint.Flag
	}
}

// adjustQueueLength keeps the canonical queue length current when the
// attributed command's effect on it is known. tracklist_changed carries
// no payload, so changes made by unattributed clients drift until the
// next attributed change, like the option flags.
func (e *Engine) adjustQueueLength(hint Hint) {
	switch {
	case isQueueAddMethod(hint.Method):
		e.state.QueueLength += len(hint.TrackURIs)
	case hint.Method == "core.tracklist.clear":
		e.state.QueueLength = 0
	}
}

// isSkipMethod reports whether the command cuts a track short.
func isSkipMethod(method string) bool {
	switch method {
	case "core.playback.next", "core.playback.previous", "core.playback.stop":
		return true
	}
	return false
}

// isQueueAddMethod reports whether the command adds tracks to the
// tracklist.
func isQueueAddMethod(method string) bool {
	return method == "core.tracklist.add"
}

// mostlyListened treats >=80% of the track as a full listen, so a
// "next" near the end is not a skip.
func mostlyListened(positionMS, durationMS int) bool {
	if durationMS <= 0 {
		return false
	}
	return float64(positionMS) >= 0.8*float64(durationMS)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// stateLogRing is a fixed-capacity ring of state-log entries backing
// the history query. The durable log lives in the store; this ring
// only serves the hot read path.
type stateLogRing struct {
	entries []models.StateLogEntry
	next    int
	full    bool
}

func newStateLogRing(capacity int) *stateLogRing {
	return &stateLogRing{entries: make([]models.StateLogEntry, capacity)}
}

func (r *stateLogRing) append(entry models.StateLogEntry) {
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *stateLogRing) size() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// page returns entries newest-first, skipping offset and returning at
// most limit.
func (r *stateLogRing) page(offset, limit int) []models.StateLogEntry {
	n := r.size()
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || offset >= n {
		return []models.StateLogEntry{}
	}
	if offset+limit > n {
		limit = n - offset
	}
	out := make([]models.StateLogEntry, 0, limit)
	for i := 0; i < limit; i++ {
		// Newest entry sits just behind next.
		idx := (r.next - 1 - offset - i + 2*len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
