// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

// Package bus provides the in-process pub/sub that decouples client
// sessions from the upstream connector. Upstream events fan out to
// every subscriber; outbound commands route to the single registered
// command handler.
//
// All registry mutation and fan-out happens on one goroutine (the Run
// loop), so subscriber-list iteration never races with subscribe or
// unsubscribe. Cross-component access is always a channel send.
package bus

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/jukewire/jukewire/internal/logging"
	"github.com/jukewire/jukewire/internal/metrics"
)

// EventKind discriminates bus events.
type EventKind string

const (
	// KindFrame is a verbatim text frame received from upstream.
	KindFrame EventKind = "frame"
	// KindConnected signals the upstream connection was established.
	KindConnected EventKind = "connected"
	// KindDisconnected signals the upstream connection was lost.
	KindDisconnected EventKind = "disconnected"
)

// Event is what subscribers receive. Frame is set only for KindFrame.
type Event struct {
	Kind  EventKind
	Frame []byte
}

// CommandSender is the destination for outbound commands, satisfied by
// the upstream connector.
type CommandSender interface {
	Send(frame []byte) error
}

// subscriberIDCounter generates unique, monotonically increasing IDs.
// DETERMINISM: fan-out iterates subscribers in ID order so delivery
// order is reproducible, not subject to map iteration order.
var subscriberIDCounter atomic.Uint64

// Subscriber is one registered consumer of bus events. Events are
// delivered on a buffered channel; a subscriber that falls behind has
// deliveries dropped rather than stalling the whole broadcast.
type Subscriber struct {
	id     uint64
	events chan Event
}

// Events returns the subscriber's delivery channel. The bus closes it
// on unsubscribe and on shutdown.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() uint64 {
	return s.id
}

// Bus is the in-process event bus. Create with New, start with Run or
// RunWithContext, then Subscribe/Publish/SendCommand from any
// goroutine.
type Bus struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan Event
	commands   chan []byte
	setSender  chan CommandSender

	// done closes when the run loop exits, unblocking lifecycle calls
	// that would otherwise wait on a dead loop.
	done chan struct{}

	// Owned exclusively by the run loop.
	subscribers map[uint64]*Subscriber
	sender      CommandSender

	bufferSize int
}

// New creates a bus whose subscribers each get an event buffer of
// bufferSize frames.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan Event, 256),
		commands:    make(chan []byte, 256),
		setSender:   make(chan CommandSender),
		done:        make(chan struct{}),
		subscribers: make(map[uint64]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a new subscriber and returns its handle. Blocks
// until the run loop has processed the registration, so a subscriber
// receives every event published after Subscribe returns. On a stopped
// bus the returned subscriber's channel is already closed.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:     subscriberIDCounter.Add(1),
		events: make(chan Event, b.bufferSize),
	}
	select {
	case b.register <- sub:
	case <-b.done:
		close(sub.events)
	}
	return sub
}

// Unsubscribe removes the subscriber and closes its event channel.
// Safe to call once per subscriber; deliveries already buffered are
// still readable until the channel is drained. Returns immediately on
// a stopped bus, which has already closed every subscriber.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	select {
	case b.unregister <- sub:
	case <-b.done:
	}
}

// Publish fans the event out to all current subscribers. Never blocks
// the caller: if the bus intake is full the event is dropped with a
// warning (no durability guarantees for undelivered broadcasts).
func (b *Bus) Publish(ev Event) {
	select {
	case b.broadcast <- ev:
		metrics.BusEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	default:
		logging.Warn().Str("kind", string(ev.Kind)).Msg("bus intake full, dropping event")
	}
}

// RegisterCommandHandler designates the single destination for
// outbound commands. Later registrations replace earlier ones (the
// connector re-registers after a restart).
func (b *Bus) RegisterCommandHandler(sender CommandSender) {
	select {
	case b.setSender <- sender:
	case <-b.done:
	}
}

// SendCommand routes one outbound frame to the registered command
// handler. If none is registered yet (startup race) the command is
// dropped with a logged warning.
func (b *Bus) SendCommand(frame []byte) {
	select {
	case b.commands <- frame:
	default:
		metrics.BusCommandsDropped.Inc()
		logging.Warn().Msg("bus command intake full, dropping command")
	}
}

// String implements fmt.Stringer for supervisor logging.
func (b *Bus) String() string {
	return "event-bus"
}

// Serve implements suture.Service.
func (b *Bus) Serve(ctx context.Context) error {
	return b.RunWithContext(ctx)
}

// RunWithContext runs the bus loop until the context is canceled, then
// closes all subscribers and returns ctx.Err(). Designed for suture
// supervision.
//
// DETERMINISM: lifecycle events are drained before broadcasts so the
// subscriber set is always settled when a fan-out happens.
func (b *Bus) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: shutdown.
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		default:
		}

		// Priority 2: lifecycle events, non-blocking.
		select {
		case sub := <-b.register:
			b.addSubscriber(sub)
			continue
		case sub := <-b.unregister:
			b.removeSubscriber(sub)
			continue
		case sender := <-b.setSender:
			b.sender = sender
			logging.Info().Msg("bus command handler registered")
			continue
		default:
		}

		// Priority 3: wait for any work.
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		case sub := <-b.register:
			b.addSubscriber(sub)
		case sub := <-b.unregister:
			b.removeSubscriber(sub)
		case sender := <-b.setSender:
			b.sender = sender
			logging.Info().Msg("bus command handler registered")
		case ev := <-b.broadcast:
			b.fanOut(ev)
		case frame := <-b.commands:
			b.forwardCommand(frame)
		}
	}
}

func (b *Bus) addSubscriber(sub *Subscriber) {
	b.subscribers[sub.id] = sub
	metrics.BusSubscribers.Set(float64(len(b.subscribers)))
	logging.Debug().Uint64("subscriber_id", sub.id).Int("total", len(b.subscribers)).Msg("bus subscriber registered")
}

func (b *Bus) removeSubscriber(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.events)
	metrics.BusSubscribers.Set(float64(len(b.subscribers)))
	logging.Debug().Uint64("subscriber_id", sub.id).Int("total", len(b.subscribers)).Msg("bus subscriber removed")
}

// fanOut delivers the event to every subscriber independently. A full
// subscriber buffer drops that one delivery; it never aborts delivery
// to others and never surfaces an error to the publisher.
func (b *Bus) fanOut(ev Event) {
	ids := make([]uint64, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		sub := b.subscribers[id]
		select {
		case sub.events <- ev:
		default:
			metrics.BusDeliveriesDropped.Inc()
			logging.Warn().
				Uint64("subscriber_id", sub.id).
				Str("kind", string(ev.Kind)).
				Msg("subscriber buffer full, dropping delivery")
		}
	}
}

// forwardCommand hands one command to the registered sender. Send
// failures are logged, not propagated; the sender fails fast when the
// upstream is disconnected (at-most-once, no store-and-forward).
func (b *Bus) forwardCommand(frame []byte) {
	if b.sender == nil {
		metrics.BusCommandsDropped.Inc()
		logging.Warn().Msg("no command handler registered, dropping command")
		return
	}
	if err := b.sender.Send(frame); err != nil {
		logging.Warn().Err(err).Msg("upstream command send failed")
	}
}

// closeAll closes every subscriber channel during shutdown, in ID
// order for a consistent close sequence.
func (b *Bus) closeAll() {
	ids := make([]uint64, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		close(b.subscribers[id].events)
		delete(b.subscribers, id)
	}
	metrics.BusSubscribers.Set(0)
	close(b.done)
	logging.Info().Str("component", "bus").Msg("closed all subscribers during shutdown")
}
