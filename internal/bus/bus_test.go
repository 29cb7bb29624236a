// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package bus

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jukewire/jukewire/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// startBus runs the bus loop and returns a stop function.
func startBus(t *testing.T, b *Bus) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.RunWithContext(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func recvEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	b := New(16)
	stop := startBus(t, b)
	defer stop()

	subs := []*Subscriber{b.Subscribe(), b.Subscribe(), b.Subscribe()}

	b.Publish(Event{Kind: KindFrame, Frame: []byte("one")})
	b.Publish(Event{Kind: KindFrame, Frame: []byte("two")})

	for i, sub := range subs {
		first := recvEvent(t, sub)
		second := recvEvent(t, sub)
		if string(first.Frame) != "one" || string(second.Frame) != "two" {
			t.Errorf("subscriber %d: got %q then %q, want order preserved", i, first.Frame, second.Frame)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(16)
	stop := startBus(t, b)
	defer stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel, got an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1)
	stop := startBus(t, b)
	defer stop()

	slow := b.Subscribe()
	fast := b.Subscribe()
	_ = slow // never drained; its buffer of one overruns

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: KindFrame, Frame: []byte{byte(i)}})
	}

	// The fast subscriber still gets at least its buffered delivery.
	recvEvent(t, fast)
}

// recordingSender captures forwarded commands.
type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingSender) Send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingSender) get() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

func TestCommandRouting(t *testing.T) {
	b := New(16)
	stop := startBus(t, b)
	defer stop()

	sender := &recordingSender{}
	b.RegisterCommandHandler(sender)

	b.SendCommand([]byte(`{"method":"core.playback.play"}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.get()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("command was not forwarded, got %d frames", len(sender.get()))
}

func TestShutdownClosesSubscribers(t *testing.T) {
	b := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.RunWithContext(ctx)
		close(done)
	}()

	sub := b.Subscribe()
	cancel()
	<-done

	if _, ok := <-sub.Events(); ok {
		t.Error("expected subscriber channel to be closed after shutdown")
	}
}

func TestSubscribeOnStoppedBusReturnsClosed(t *testing.T) {
	b := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.RunWithContext(ctx)
		close(done)
	}()
	cancel()
	<-done

	returned := make(chan *Subscriber, 1)
	go func() { returned <- b.Subscribe() }()

	select {
	case sub := <-returned:
		if _, ok := <-sub.Events(); ok {
			t.Error("expected a closed channel from a stopped bus")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe blocked on a stopped bus")
	}
}

func TestUnsubscribeOnStoppedBusDoesNotBlock(t *testing.T) {
	b := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.RunWithContext(ctx)
		close(done)
	}()

	sub := b.Subscribe()
	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		b.Unsubscribe(sub)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe blocked on a stopped bus")
	}
}
