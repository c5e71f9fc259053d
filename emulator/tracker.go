// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package emulator

import (
	"sync"
	"time"
)

// DefaultWindow is the bandwidth accounting interval.
const DefaultWindow = time.Second

type sample struct {
	at    time.Time
	bytes int
}

type window struct {
	samples []sample
	total   int
}

// expire drops samples at or before cutoff.
func (w *window) expire(cutoff time.Time) {
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		w.total -= w.samples[i].bytes
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// BandwidthTracker caps bytes per destination over a sliding window. It is
// safe for concurrent use and may be shared by several emulators so the cap
// holds per destination rather than per sender.
type BandwidthTracker struct {
	capacity int
	span     time.Duration

	mu    sync.Mutex
	dests map[string]*window
}

// NewBandwidthTracker allows capacity bytes per destination in any trailing
// span. A capacity of zero or less disables the cap.
func NewBandwidthTracker(capacity int, span time.Duration) *BandwidthTracker {
	if span <= 0 {
		span = DefaultWindow
	}
	return &BandwidthTracker{
		capacity: capacity,
		span:     span,
		dests:    make(map[string]*window),
	}
}

// Capacity returns the per-window byte cap.
func (b *BandwidthTracker) Capacity() int { return b.capacity }

// TryConsume records n bytes to dest at now if the window has room and
// reports whether it did. Rejected sends consume nothing.
func (b *BandwidthTracker) TryConsume(dest string, n int, now time.Time) bool {
	if b.capacity <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.dests[dest]
	if !ok {
		w = &window{}
		b.dests[dest] = w
	}
	w.expire(now.Add(-b.span))
	if w.total+n > b.capacity {
		return false
	}
	w.samples = append(w.samples, sample{at: now, bytes: n})
	w.total += n
	return true
}

// Usage returns the bytes counted against dest in the window ending at now.
func (b *BandwidthTracker) Usage(dest string, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.dests[dest]
	if !ok {
		return 0
	}
	w.expire(now.Add(-b.span))
	return w.total
}

// Forget drops the window of dest.
func (b *BandwidthTracker) Forget(dest string) {
	b.mu.Lock()
	delete(b.dests, dest)
	b.mu.Unlock()
}
