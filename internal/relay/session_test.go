// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package relay

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jukewire/jukewire/internal/bus"
	"github.com/jukewire/jukewire/internal/config"
	"github.com/jukewire/jukewire/internal/engine"
	"github.com/jukewire/jukewire/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type fakeAttributor struct {
	mu       sync.Mutex
	hints    []engine.Hint
	searches []searchCall
}

type searchCall struct {
	userID  string
	query   string
	results []string
}

func (f *fakeAttributor) Hint(h engine.Hint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, h)
}

func (f *fakeAttributor) RecordSearch(userID, query string, results []string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, searchCall{userID: userID, query: query, results: results})
}

func (f *fakeAttributor) hintCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hints)
}

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

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		SendBuffer:        16,
		CommandsPerSecond: 100,
		CommandBurst:      100,
		WriteTimeout:      time.Second,
		MaxFrameBytes:     64 * 1024,
	}
}

// startSession wires a session to a running bus with a recording
// upstream sender.
func startSession(t *testing.T, cfg config.RelayConfig, userID string) (*Session, *fakeAttributor, *recordingSender) {
	t.Helper()

	b := bus.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.RunWithContext(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sender := &recordingSender{}
	b.RegisterCommandHandler(sender)

	attr := &fakeAttributor{}
	return NewSession(cfg, b, attr, userID), attr, sender
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAuthenticatedCommandEmitsHint(t *testing.T) {
	sess, attr, sender := startSession(t, testRelayConfig(), "alice")

	sess.HandleClient([]byte(`{"jsonrpc":"2.0","id":1,"method":"core.playback.play"}`))

	waitFor(t, "upstream forward", func() bool { return sender.count() == 1 })
	if attr.hintCount() != 1 {
		t.Fatalf("expected one hint, got %d", attr.hintCount())
	}
	h := attr.hints[0]
	if h.UserID != "alice" || h.Method != "core.playback.play" {
		t.Errorf("unexpected hint: %+v", h)
	}
}

func TestAnonymousCommandForwardsWithoutHint(t *testing.T) {
	sess, attr, sender := startSession(t, testRelayConfig(), "")

	sess.HandleClient([]byte(`{"jsonrpc":"2.0","id":1,"method":"core.playback.play"}`))

	waitFor(t, "upstream forward", func() bool { return sender.count() == 1 })
	if attr.hintCount() != 0 {
		t.Errorf("anonymous sessions must not emit hints, got %d", attr.hintCount())
	}
}

func TestReadOnlyMethodEmitsNoHint(t *testing.T) {
	sess, attr, sender := startSession(t, testRelayConfig(), "alice")

	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"core.playback.get_state"}`,
		`{"jsonrpc":"2.0","id":2,"method":"core.library.search","params":{"query":{"any":["x"]}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"core.history.get_history"}`,
	}
	for _, f := range frames {
		sess.HandleClient([]byte(f))
	}

	waitFor(t, "upstream forwards", func() bool { return sender.count() == len(frames) })
	if attr.hintCount() != 0 {
		t.Errorf("read-only methods must not emit hints, got %d", attr.hintCount())
	}
}

func TestQueueAddHintCarriesURIs(t *testing.T) {
	sess, attr, _ := startSession(t, testRelayConfig(), "alice")

	sess.HandleClient([]byte(`{"jsonrpc":"2.0","id":4,"method":"core.tracklist.add","params":{"uris":["t:1","t:2"]}}`))

	waitFor(t, "hint", func() bool { return attr.hintCount() == 1 })
	h := attr.hints[0]
	if len(h.TrackURIs) != 2 || h.TrackURIs[0] != "t:1" || h.TrackURIs[1] != "t:2" {
		t.Errorf("unexpected hint uris: %v", h.TrackURIs)
	}
}

func TestOptionCommandHintCarriesFlag(t *testing.T) {
	sess, attr, _ := startSession(t, testRelayConfig(), "alice")

	sess.HandleClient([]byte(`{"jsonrpc":"2.0","id":5,"method":"core.tracklist.set_repeat","params":{"value":true}}`))

	waitFor(t, "hint", func() bool { return attr.hintCount() == 1 })
	h := attr.hints[0]
	if h.Flag == nil || !*h.Flag {
		t.Errorf("expected flag true, got %v", h.Flag)
	}
}

func TestThrottleRejectsBurst(t *testing.T) {
	cfg := testRelayConfig()
	cfg.CommandsPerSecond = 1
	cfg.CommandBurst = 1
	sess, _, sender := startSession(t, cfg, "alice")

	sess.HandleClient([]byte(`{"jsonrpc":"2.0","id":1,"method":"core.playback.play"}`))
	sess.HandleClient([]byte(`{"jsonrpc":"2.0","id":2,"method":"core.playback.pause"}`))

	waitFor(t, "first forward", func() bool { return sender.count() >= 1 })
	if sender.count() != 1 {
		t.Errorf("second command should be throttled, %d forwarded", sender.count())
	}

	select {
	case frame := <-sess.Outbound():
		if string(frame) == "" {
			t.Error("expected a synthetic error frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a synthetic error frame for the throttled command")
	}
}

func TestSearchResponseCorrelation(t *testing.T) {
	sess, attr, _ := startSession(t, testRelayConfig(), "alice")

	sess.HandleClient([]byte(`{"jsonrpc":"2.0","id":9,"method":"core.library.search","params":{"query":{"any":["bowie"]}}}`))

	response := []byte(`{"jsonrpc":"2.0","id":9,"result":[{"tracks":[{"uri":"t:a"},{"uri":"t:b"}]}]}`)
	sess.HandleBusEvent(bus.Event{Kind: bus.KindFrame, Frame: response})

	if len(attr.searches) != 1 {
		t.Fatalf("expected one search record, got %d", len(attr.searches))
	}
	sc := attr.searches[0]
	if sc.userID != "alice" || sc.query != "bowie" {
		t.Errorf("unexpected search call: %+v", sc)
	}
	if len(sc.results) != 2 || sc.results[0] != "t:a" {
		t.Errorf("unexpected results: %v", sc.results)
	}

	// The response frame is still relayed to the browser.
	select {
	case frame := <-sess.Outbound():
		if string(frame) != string(response) {
			t.Error("response frame must be forwarded verbatim")
		}
	default:
		t.Error("expected the response frame in the outbound queue")
	}
}

func TestForeignResponsePassesThrough(t *testing.T) {
	sess, attr, _ := startSession(t, testRelayConfig(), "alice")

	// A response to some other session's request: no pending entry.
	sess.HandleBusEvent(bus.Event{Kind: bus.KindFrame, Frame: []byte(`{"jsonrpc":"2.0","id":77,"result":[]}`)})

	if len(attr.searches) != 0 {
		t.Error("foreign responses must not produce search records")
	}
	select {
	case <-sess.Outbound():
	default:
		t.Error("foreign response should still be relayed")
	}
}

func TestSyntheticConnectivityFrames(t *testing.T) {
	sess, _, _ := startSession(t, testRelayConfig(), "")

	sess.HandleBusEvent(bus.Event{Kind: bus.KindConnected})
	sess.HandleBusEvent(bus.Event{Kind: bus.KindDisconnected})

	if got := string(<-sess.Outbound()); got != `{"event":"mopidy_connected"}` {
		t.Errorf("unexpected connected frame: %s", got)
	}
	if got := string(<-sess.Outbound()); got != `{"event":"mopidy_disconnected"}` {
		t.Errorf("unexpected disconnected frame: %s", got)
	}
}

func TestNotifyConnectivity(t *testing.T) {
	sess, _, _ := startSession(t, testRelayConfig(), "")

	sess.NotifyConnectivity(false)
	if got := string(<-sess.Outbound()); got != `{"event":"mopidy_disconnected"}` {
		t.Errorf("unexpected initial connectivity frame: %s", got)
	}
}

func TestIsMutatingMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"core.playback.play", true},
		{"core.playback.next", true},
		{"core.tracklist.add", true},
		{"core.tracklist.set_consume", true},
		{"core.mixer.set_volume", true},
		{"core.playback.get_state", false},
		{"core.library.search", false},
		{"core.library.browse", false},
		{"core.history.get_history", false},
		{"core.playlists.as_list", false},
		{"core.describe", false},
		{"rpc.discover", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := isMutatingMethod(tt.method); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
