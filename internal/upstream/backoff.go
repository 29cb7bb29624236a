// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package upstream

import "time"

// Backoff computes exponentially increasing reconnect delays: the
// first delay is the seed, each consecutive failure doubles it up to
// the cap, and a successful connect resets it to the seed.
//
// Not safe for concurrent use; the connector's single serve loop is
// the only caller.
type Backoff struct {
	seed time.Duration
	cap  time.Duration
	next time.Duration
}

// NewBackoff creates a backoff schedule with the given seed and cap.
func NewBackoff(seed, capDelay time.Duration) *Backoff {
	if seed <= 0 {
		seed = time.Second
	}
	if capDelay < seed {
		capDelay = seed
	}
	return &Backoff{seed: seed, cap: capDelay, next: seed}
}

// Next returns the delay to wait before the next attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.cap {
		b.next = b.cap
	}
	return d
}

// Reset returns the schedule to the seed delay. Called after a
// successful connect.
func (b *Backoff) Reset() {
	b.next = b.seed
}
