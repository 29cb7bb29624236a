// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jukewire/jukewire/internal/auth"
	"github.com/jukewire/jukewire/internal/bus"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/metrics"
)

// Browser-side keepalive timing. Pings must outpace the pong deadline.
const (
	clientPongWait   = 60 * time.Second
	clientPingPeriod = 54 * time.Second
)

// Handler upgrades browser connections to WebSocket sessions and runs
// their pumps.
type Handler struct {
	cfg        config.RelayConfig
	bus        *bus.Bus
	verifier   auth.Verifier
	attributor Attributor

	// upstreamConnected reports the live upstream status, used for the
	// initial synthetic connectivity frame.
	upstreamConnected func() bool

	upgrader websocket.Upgrader
}

// NewHandler creates the /ws endpoint handler.
func NewHandler(cfg config.RelayConfig, b *bus.Bus, verifier auth.Verifier, attributor Attributor, upstreamConnected func() bool) *Handler {
	return &Handler{
		cfg:               cfg,
		bus:               b,
		verifier:          verifier,
		attributor:        attributor,
		upstreamConnected: upstreamConnected,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from arbitrary origins; identity comes
			// from the token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws?token=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := h.resolveUser(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := NewSession(h.cfg, h.bus, h.attributor, userID)
	metrics.RelaySessions.Inc()
	logging.Info().
		Uint64("session_id", sess.ID()).
		Str("remote", r.RemoteAddr).
		Bool("authenticated", sess.Authenticated()).
		Msg("browser session opened")

	sub := h.bus.Subscribe()
	sess.NotifyConnectivity(h.upstreamConnected())

	done := make(chan struct{})
	go h.writePump(conn, sess, done)
	go h.busPump(sub, sess)

	h.readPump(conn, sess)

	// Read side finished: tear down in order. Unsubscribing closes the
	// subscriber channel, which stops busPump; closing done stops the
	// write pump.
	h.bus.Unsubscribe(sub)
	close(done)
	_ = conn.Close()

	metrics.RelaySessions.Dec()
	logging.Info().Uint64("session_id", sess.ID()).Msg("browser session closed")
}

// resolveUser extracts the optional token query parameter. Any
// verification failure degrades to an anonymous session; the relay
// never turns a browser away for lacking identity.
func (h *Handler) resolveUser(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token == "" {
		return ""
	}
	userID, err := h.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrDisabled) {
			logging.Debug().Msg("token supplied but auth is disabled")
		} else {
			logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("token verification failed, session is anonymous")
		}
		return ""
	}
	return userID
}

// readPump reads frames from the browser until the connection drops.
func (h *Handler) readPump(conn *websocket.Conn, sess *Session) {
	if h.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxFrameBytes)
	}
	if err := conn.SetReadDeadline(time.Now().Add(clientPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Uint64("session_id", sess.ID()).Err(err).Msg("browser read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		sess.HandleClient(frame)
	}
}

// writePump drains the session's outbound queue to the browser and
// keeps the connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, sess *Session, done <-chan struct{}) {
	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case frame := <-sess.Outbound():
			if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				// A failed write means the socket is broken; the read side
				// fails too and tears the whole session down, so later
				// frames are not retried here.
				logging.Debug().Uint64("session_id", sess.ID()).Err(err).Msg("browser write failed")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// busPump feeds bus events into the session until the subscription is
// closed by Unsubscribe or bus shutdown.
func (h *Handler) busPump(sub *bus.Subscriber, sess *Session) {
	for ev := range sub.Events() {
		sess.HandleBusEvent(ev)
	}
}
