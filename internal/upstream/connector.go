// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package upstream owns the single physical WebSocket connection to
// the Mopidy server. It reconnects with exponential backoff, publishes
// Connected/Disconnected/frame events to the bus, and exposes Send for
// outbound commands.
//
// The connection handle is owned exclusively by the serve loop; Send
// only borrows it under the write lock. Sends while disconnected fail
// immediately - there is no store-and-forward, delivery upstream is
// at-most-once.
package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jukewire/jukewire/internal/bus"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/metrics"
)

// ErrNotConnected is returned by Send when the upstream transport is
// down. Callers must not retry; the frame is lost by design.
var ErrNotConnected = errors.New("upstream: not connected")

// Connector maintains the upstream connection. Create with New, start
// with Serve under a supervisor, send commands with Send.
type Connector struct {
	cfg config.UpstreamConfig
	bus *bus.Bus

	// writeMu serializes all writes to the connection (commands and
	// pings); gorilla/websocket permits only one concurrent writer.
	writeMu sync.Mutex
	conn    *websocket.Conn // nil while disconnected
}

// New creates a connector publishing to the given bus.
func New(cfg config.UpstreamConfig, b *bus.Bus) *Connector {
	return &Connector{cfg: cfg, bus: b}
}

// String implements fmt.Stringer for supervisor logging.
func (c *Connector) String() string {
	return "upstream-connector"
}

// Connected reports whether the transport is currently established.
func (c *Connector) Connected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn != nil
}

// Send transmits one text frame upstream. Fails immediately with
// ErrNotConnected while the transport is down.
func (c *Connector) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		metrics.UpstreamSendFailures.Inc()
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		metrics.UpstreamSendFailures.Inc()
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		metrics.UpstreamSendFailures.Inc()
		return err
	}
	return nil
}

// Serve implements suture.Service. It dials the upstream, pumps frames
// to the bus until the connection drops, then waits out the backoff
// delay and retries. The single loop guarantees exactly one reconnect
// attempt is ever in flight.
func (c *Connector) Serve(ctx context.Context) error {
	backoff := NewBackoff(c.cfg.BackoffSeed, c.cfg.BackoffCap)

	// Commands route here from the bus for the life of this service.
	c.bus.RegisterCommandHandler(c)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			metrics.UpstreamReconnects.Inc()
			delay := backoff.Next()
			logging.Warn().
				Err(err).
				Str("url", c.cfg.URL).
				Dur("retry_in", delay).
				Msg("upstream connect failed")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}

		backoff.Reset()
		c.setConn(conn)
		metrics.UpstreamConnected.Set(1)
		logging.Info().Str("url", c.cfg.URL).Msg("upstream connected")
		c.bus.Publish(bus.Event{Kind: bus.KindConnected})

		c.readLoop(ctx, conn)

		c.setConn(nil)
		_ = conn.Close()
		metrics.UpstreamConnected.Set(0)
		logging.Warn().Str("url", c.cfg.URL).Msg("upstream disconnected")
		c.bus.Publish(bus.Event{Kind: bus.KindDisconnected})

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		metrics.UpstreamReconnects.Inc()
		delay := backoff.Next()
		logging.Info().Dur("retry_in", delay).Msg("scheduling upstream reconnect")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// dial establishes the WebSocket transport.
func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// readLoop pumps frames from the connection to the bus until the
// connection fails or the context is canceled. A ping goroutine keeps
// the transport alive and detects silent drops via the pong deadline.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set upstream read deadline")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	// Unblock the blocking read when the context is canceled.
	go func() {
		<-pingCtx.Done()
		_ = conn.Close()
	}()

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Msg("upstream read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		metrics.UpstreamFramesReceived.Inc()
		c.bus.Publish(bus.Event{Kind: bus.KindFrame, Frame: frame})
	}
}

// pingLoop sends periodic pings under the write lock.
func (c *Connector) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// sleepCtx waits for the delay or context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
