// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package relay hosts the browser-facing WebSocket sessions. Each
// session forwards frames verbatim in both directions, feeds attribution
// hints and search records into the engine, and injects synthetic
// upstream-connectivity events into its own downstream.
package relay

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/jukewire/jukewire/internal/bus"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/engine"
	"github.com/jukewire/jukewire/internal/jsonrpc"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/metrics"
)

// Synthetic frames injected into the downstream alongside relayed
// upstream traffic. They use the Mopidy event envelope so browser
// clients handle them with the same dispatch path.
var (
	frameConnected    = []byte(`{"event":"mopidy_connected"}`)
	frameDisconnected = []byte(`{"event":"mopidy_disconnected"}`)
)

// maxPendingCalls bounds the outstanding-request map against clients
// that send requests and never read responses.
const maxPendingCalls = 256

// sessionIDCounter generates unique session IDs for logging.
var sessionIDCounter atomic.Uint64

// Attributor receives command hints and search records. Satisfied by
// *engine.Engine.
type Attributor interface {
	Hint(h engine.Hint)
	RecordSearch(userID, query string, results []string, at time.Time)
}

// pendingCall remembers the method (and, for searches, the query) of an
// in-flight request so its response can be correlated.
type pendingCall struct {
	method string
	query  string
}

// Session is the per-client frame-processing core. It owns no sockets;
// the handler pumps client frames into HandleClient, bus events into
// HandleBusEvent, and drains Outbound to the browser. The pending map
// is shared between the two pumps, hence the mutex.
type Session struct {
	id     uint64
	userID string // "" when unauthenticated

	cfg        config.RelayConfig
	bus        *bus.Bus
	attributor Attributor
	limiter    *rate.Limiter

	mu      sync.Mutex // guards pending
	pending map[string]pendingCall

	outbound chan []byte

	now func() time.Time
}

// NewSession creates the processing core for one client connection.
func NewSession(cfg config.RelayConfig, b *bus.Bus, attributor Attributor, userID string) *Session {
	s := &Session{
		id:         sessionIDCounter.Add(1),
		userID:     userID,
		cfg:        cfg,
		bus:        b,
		attributor: attributor,
		limiter:    rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), cfg.CommandBurst),
		pending:    make(map[string]pendingCall),
		outbound:   make(chan []byte, cfg.SendBuffer),
		now:        time.Now,
	}
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// UserID returns the authenticated user, or "" for anonymous sessions.
func (s *Session) UserID() string {
	return s.userID
}

// Authenticated reports whether the session carries a user identity.
func (s *Session) Authenticated() bool {
	return s.userID != ""
}

// Outbound is the channel of frames to write to the browser.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// HandleClient processes one frame received from the browser: throttle,
// record the outstanding call, emit an attribution hint if the session
// is authenticated, and forward the frame verbatim to the upstream.
func (s *Session) HandleClient(frame []byte) {
	if s.cfg.MaxFrameBytes > 0 && int64(len(frame)) > s.cfg.MaxFrameBytes {
		s.enqueue(errorFrame("frame too large"))
		return
	}
	if !s.limiter.Allow() {
		metrics.RelayCommandsThrottled.Inc()
		s.enqueue(errorFrame("rate limit exceeded"))
		return
	}

	now := s.now()
	req, err := jsonrpc.ParseRequest(frame)
	if err != nil {
		// Unparseable frames are still the client's business with
		// Mopidy; forward and let the upstream answer.
		logging.Debug().Uint64("session_id", s.id).Err(err).Msg("forwarding unparseable client frame")
		s.forward(frame)
		return
	}

	if req.Method != "" {
		s.trackCall(req)
		if s.Authenticated() {
			s.hint(req, now)
		}
	}

	s.forward(frame)
}

func (s *Session) forward(frame []byte) {
	s.bus.SendCommand(frame)
	metrics.RelayCommandsForwarded.WithLabelValues(boolLabel(s.Authenticated())).Inc()
}

// trackCall records the outstanding request so the matching response
// can be correlated (needed for search-result capture).
func (s *Session) trackCall(req *jsonrpc.Request) {
	key := jsonrpc.IDKey(req.ID)
	if key == "" {
		return
	}

	call := pendingCall{method: req.Method}
	if req.Method == "core.library.search" {
		call.query = jsonrpc.ExtractSearchQuery(req.Params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= maxPendingCalls {
		logging.Debug().Uint64("session_id", s.id).Msg("pending call map full, dropping correlation")
		return
	}
	s.pending[key] = call
}

// hint posts an attribution hint for mutating commands. Read-only
// calls never cause upstream transitions, so they produce no hint and
// cannot steal attribution from a real actor.
func (s *Session) hint(req *jsonrpc.Request, now time.Time) {
	if !isMutatingMethod(req.Method) {
		return
	}
	h := engine.Hint{
		UserID:   s.userID,
		Method:   req.Method,
		IssuedAt: now,
	}
	if req.Method == "core.tracklist.add" {
		h.TrackURIs = jsonrpc.ExtractTrackURIs(req.Params)
	}
	if isOptionMethod(req.Method) {
		h.Flag = jsonrpc.ExtractBoolArg(req.Params)
	}
	s.attributor.Hint(h)
}

// HandleBusEvent processes one bus event for this session: synthesize
// connectivity frames, correlate search responses, and relay upstream
// frames verbatim.
func (s *Session) HandleBusEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.KindConnected:
		s.enqueue(frameConnected)
	case bus.KindDisconnected:
		s.enqueue(frameDisconnected)
	case bus.KindFrame:
		s.correlateResponse(ev.Frame)
		s.enqueue(ev.Frame)
	}
}

// correlateResponse matches an upstream response against this session's
// outstanding calls. Responses to other sessions' requests miss the map
// and pass through untouched.
func (s *Session) correlateResponse(frame []byte) {
	resp, err := jsonrpc.ParseResponse(frame)
	if err != nil {
		return
	}
	key := jsonrpc.IDKey(resp.ID)
	if key == "" {
		return
	}

	s.mu.Lock()
	call, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if call.method == "core.library.search" && s.Authenticated() && resp.Error == nil {
		uris := jsonrpc.ExtractSearchResultURIs(resp.Result)
		if len(uris) > 0 {
			s.attributor.RecordSearch(s.userID, call.query, uris, s.now())
		}
	}
}

// NotifyConnectivity pushes the current upstream status as a synthetic
// frame; called once right after the session attaches so a client never
// has to guess the initial state.
func (s *Session) NotifyConnectivity(connected bool) {
	if connected {
		s.enqueue(frameConnected)
	} else {
		s.enqueue(frameDisconnected)
	}
}

// enqueue hands a frame to the write pump without ever blocking frame
// processing; a slow browser loses deliveries, not the whole relay.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.outbound <- frame:
	default:
		metrics.BusDeliveriesDropped.Inc()
		logging.Warn().Uint64("session_id", s.id).Msg("session send buffer full, dropping frame")
	}
}

// errorFrame builds a synthetic error event for the browser.
func errorFrame(message string) []byte {
	frame, err := json.Marshal(map[string]string{
		"event":   "mopidy_error",
		"message": message,
	})
	if err != nil {
		return []byte(`{"event":"mopidy_error"}`)
	}
	return frame
}

// isMutatingMethod reports whether a Mopidy core method can cause a
// player state transition. Lookups and getters are excluded.
func isMutatingMethod(method string) bool {
	switch {
	case method == "core.library.search",
		method == "core.library.browse",
		method == "core.library.lookup":
		return false
	}
	if strings.HasPrefix(method, "core.history.") || strings.HasPrefix(method, "core.playlists.") {
		return false
	}
	if strings.Contains(method, ".get_") || strings.HasPrefix(method, "core.describe") {
		return false
	}
	return strings.HasPrefix(method, "core.")
}

// isOptionMethod reports whether the command toggles a tracklist
// option flag mirrored in the canonical state.
func isOptionMethod(method string) bool {
	switch method {
	case "core.tracklist.set_repeat",
		"core.tracklist.set_random",
		"core.tracklist.set_single",
		"core.tracklist.set_consume":
		return true
	}
	return false
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
