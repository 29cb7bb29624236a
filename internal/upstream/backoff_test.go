// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package upstream

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Errorf("attempt %d: got %v, want %v", i, got, expected)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
	if got := b.Next(); got != 2*time.Second {
		t.Errorf("after reset, second attempt: got %v, want %v", got, 2*time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	tests := []struct {
		name     string
		seed     time.Duration
		cap      time.Duration
		wantSeed time.Duration
		wantCap  time.Duration
	}{
		{name: "zero seed falls back to one second", seed: 0, cap: 10 * time.Second, wantSeed: time.Second, wantCap: 10 * time.Second},
		{name: "cap below seed is raised to seed", seed: 5 * time.Second, cap: time.Second, wantSeed: 5 * time.Second, wantCap: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(tt.seed, tt.cap)
			if got := b.Next(); got != tt.wantSeed {
				t.Errorf("first delay: got %v, want %v", got, tt.wantSeed)
			}
			for i := 0; i < 10; i++ {
				if got := b.Next(); got > tt.wantCap {
					t.Fatalf("delay %v exceeded cap %v", got, tt.wantCap)
				}
			}
		})
	}
}
