// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package engine implements the attribution and playback-state engine:
// a single global actor that consumes upstream events from the bus and
// command hints from sessions, maintains the canonical playback state,
// decides which user (if any) caused each transition, and derives the
// aggregate signals (affinity, listening sessions, search conversions)
// that feed the analytics store.
//
// Everything the engine owns - canonical state, hint table, affinity
// tables, open sessions, the state-log ring - is touched only by the
// Serve goroutine. Cross-component access is a message into the
// mailbox, which is what makes the read-modify-write cycles race-free
// without locks.
package engine

import (
	"context"
	"time"

	"github.com/jukewire/jukewire/internal/bus"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/models"
)

// Gateway is the persistence collaborator. Every call is fire-and-
// forget from the engine's perspective: failures are logged by the
// implementation and never affect the in-memory canonical state.
type Gateway interface {
	AppendStateLog(entry *models.StateLogEntry) error
	UpsertTrackAffinity(aff *models.TrackAffinity) error
	UpsertArtistAffinity(aff *models.ArtistAffinity) error
	OpenOrExtendSession(sess *models.ListeningSession) error
	RecordSearchConversion(conv *models.SearchConversion) error
}

// Hint records that a user issued a command, used to attribute the
// upstream transition it causes. Superseded by newer hints from the
// same user; ignored once older than the attribution window.
type Hint struct {
	UserID   string
	Method   string
	IssuedAt time.Time

	// TrackURIs are the URIs of a core.tracklist.add call, used for
	// queue-add affinity and search-conversion correlation.
	TrackURIs []string

	// Flag is the boolean argument of a core.tracklist.set_* call,
	// used to keep the canonical option flags current.
	Flag *bool
}

// mailbox message variants. One tagged type per concern keeps the
// engine's interface explicit; no variant leaks outside this package.
type (
	hintMsg   struct{ hint Hint }
	searchMsg struct {
		userID  string
		query   string
		results []string
		at      time.Time
	}
	stateQueryMsg   struct{ reply chan models.PlaybackState }
	historyQueryMsg struct {
		offset, limit int
		reply         chan []models.StateLogEntry
	}
	affinityQueryMsg struct {
		userID string
		limit  int
		reply  chan []models.TrackAffinity
	}
)

// Engine is the attribution actor. Create with New, start with Serve
// under a supervisor.
type Engine struct {
	cfg     config.EngineConfig
	gateway Gateway
	bus     *bus.Bus
	mailbox chan interface{}

	// Engine-owned state; Serve goroutine only.
	state    models.PlaybackState
	hints    map[string]Hint
	log      *stateLogRing
	track    map[affinityKey]*models.TrackAffinity
	artist   map[artistKey]*models.ArtistAffinity
	sessions map[string]*openSession
	searches map[string]searchRecord

	// now is stubbed in tests.
	now func() time.Time
}

// New creates an engine that subscribes to b and persists through gw.
func New(cfg config.EngineConfig, b *bus.Bus, gw Gateway) *Engine {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1024
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1024
	}
	return &Engine{
		cfg:      cfg,
		gateway:  gw,
		bus:      b,
		mailbox:  make(chan interface{}, cfg.MailboxSize),
		state:    models.NewPlaybackState(),
		hints:    make(map[string]Hint),
		log:      newStateLogRing(cfg.HistorySize),
		track:    make(map[affinityKey]*models.TrackAffinity),
		artist:   make(map[artistKey]*models.ArtistAffinity),
		sessions: make(map[string]*openSession),
		searches: make(map[string]searchRecord),
		now:      time.Now,
	}
}

// String implements fmt.Stringer for supervisor logging.
func (e *Engine) String() string {
	return "attribution-engine"
}

// Hint posts a command hint. Non-blocking: under mailbox pressure the
// hint is dropped, which at worst costs one attribution.
func (e *Engine) Hint(h Hint) {
	select {
	case e.mailbox <- hintMsg{hint: h}:
	default:
		logging.Warn().Str("user_id", h.UserID).Msg("engine mailbox full, dropping hint")
	}
}

// RecordSearch posts a user's search query and ordered result URIs for
// later conversion correlation.
func (e *Engine) RecordSearch(userID, query string, results []string, at time.Time) {
	select {
	case e.mailbox <- searchMsg{userID: userID, query: query, results: results, at: at}:
	default:
		logging.Warn().Str("user_id", userID).Msg("engine mailbox full, dropping search record")
	}
}

// CurrentState returns a copy of the canonical playback state.
func (e *Engine) CurrentState(ctx context.Context) (models.PlaybackState, error) {
	reply := make(chan models.PlaybackState, 1)
	select {
	case e.mailbox <- stateQueryMsg{reply: reply}:
	case <-ctx.Done():
		return models.PlaybackState{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return models.PlaybackState{}, ctx.Err()
	}
}

// History returns a newest-first page of the in-memory state log.
func (e *Engine) History(ctx context.Context, offset, limit int) ([]models.StateLogEntry, error) {
	reply := make(chan []models.StateLogEntry, 1)
	select {
	case e.mailbox <- historyQueryMsg{offset: offset, limit: limit, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TopTrackAffinities returns the user's highest-scored track
// affinities, at most limit entries.
func (e *Engine) TopTrackAffinities(ctx context.Context, userID string, limit int) ([]models.TrackAffinity, error) {
	reply := make(chan []models.TrackAffinity, 1)
	select {
	case e.mailbox <- affinityQueryMsg{userID: userID, limit: limit, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case affs := <-reply:
		return affs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve implements suture.Service: subscribe to the bus, then process
// mailbox messages and bus events one at a time, in arrival order,
// until the context is canceled. Open listening sessions are flushed
// (closed and persisted) on shutdown.
func (e *Engine) Serve(ctx context.Context) error {
	sub := e.bus.Subscribe()
	defer e.bus.Unsubscribe(sub)

	logging.Info().Str("component", "engine").Msg("attribution engine started")

	for {
		select {
		case <-ctx.Done():
			e.flushSessions(e.now())
			logging.Info().Str("component", "engine").Msg("attribution engine stopped")
			return ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				// Bus shut down first; wait for our own cancellation.
				<-ctx.Done()
				e.flushSessions(e.now())
				return ctx.Err()
			}
			if ev.Kind == bus.KindFrame {
				e.handleFrame(ev.Frame, e.now())
			}

		case msg := <-e.mailbox:
			e.handleMessage(msg)
		}
	}
}

// handleMessage dispatches one mailbox message.
func (e *Engine) handleMessage(msg interface{}) {
	switch m := msg.(type) {
	case hintMsg:
		e.hints[m.hint.UserID] = m.hint
	case searchMsg:
		e.searches[m.userID] = searchRecord{query: m.query, results: m.results, at: m.at}
	case stateQueryMsg:
		m.reply <- e.state
	case historyQueryMsg:
		m.reply <- e.log.page(m.offset, m.limit)
	case affinityQueryMsg:
		m.reply <- e.topTracks(m.userID, m.limit)
	default:
		logging.Error().Msgf("engine: unknown mailbox message %T", msg)
	}
}

// persist logs and swallows a gateway error; durability is
// best-effort, the live view is authoritative.
func persist(op string, err error) {
	if err != nil {
		logging.Warn().Err(err).Str("op", op).Msg("persist failed, continuing with in-memory state")
	}
}
