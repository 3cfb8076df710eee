// Copyright 2024-2026 Aiku AI

package ircbot

import (
	"sync"
	"time"
)

const (
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// Backoff is an exponential reconnect delay: Initial, doubling up to Max.
// It is safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	mu   sync.Mutex
	next time.Duration
}

// NewBackoff returns a Backoff with the given bounds; zero values select
// the defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay before the next attempt and doubles the one after.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next = min(b.next*2, b.Max)
	return d
}

// Reset makes the next delay Initial again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = 0
	b.mu.Unlock()
}
