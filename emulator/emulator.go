// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package emulator injects packet loss, bandwidth caps and latency into any
// transport.Transport.
package emulator

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/transport"
)

type emulatorError string

func (e emulatorError) Error() string { return string(e) }

// Temporary marks emulator failures as non-fatal to the connection.
func (e emulatorError) Temporary() bool { return true }

var (
	ErrPacketDropped     error = emulatorError("emulator: packet dropped")
	ErrBandwidthExceeded error = emulatorError("emulator: bandwidth exceeded")

	ErrInvalidConfig = errors.New("emulator: invalid config")
)

// Config describes the emulated network conditions.
type Config struct {
	// Loss is the drop probability in [0, 1].
	Loss    float64
	Latency time.Duration
	// Jitter adds a uniform delay in [0, Jitter] on top of Latency.
	Jitter time.Duration
	// BandwidthBytesPerSec caps bytes per destination per second; zero is
	// unlimited. Ignored when a shared tracker is supplied.
	BandwidthBytesPerSec int
	Seed                 uint64
}

func (c Config) Validate() error {
	if c.Loss < 0 || c.Loss > 1 {
		return fmt.Errorf("%w: loss %v outside [0, 1]", ErrInvalidConfig, c.Loss)
	}
	if c.Latency < 0 || c.Jitter < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	if c.BandwidthBytesPerSec < 0 {
		return fmt.Errorf("%w: negative bandwidth", ErrInvalidConfig)
	}
	return nil
}

// Outcome labels what happened to one send.
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeDelayed   Outcome = "delayed"
	OutcomeDropped   Outcome = "dropped"
	OutcomeThrottled Outcome = "throttled"
	// OutcomeFailed is a delayed send the inner transport refused.
	OutcomeFailed Outcome = "failed"
)

// Stats counts send outcomes. Delayed sends are also counted as forwarded
// once they leave the queue.
type Stats struct {
	Forwarded uint64
	Delayed   uint64
	Dropped   uint64
	Throttled uint64
	Failed    uint64
}

type Option func(*Emulator)

// WithTracker shares a bandwidth tracker between emulators.
func WithTracker(t *BandwidthTracker) Option {
	return func(e *Emulator) { e.tracker = t }
}

// WithClock replaces time.Now for loss and bandwidth decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Emulator) { e.now = now }
}

// WithObserver is called with the outcome of every send.
func WithObserver(fn func(Outcome)) Option {
	return func(e *Emulator) { e.observe = fn }
}

func WithLogger(log *logrus.Entry) Option {
	return func(e *Emulator) { e.log = log }
}

type pending struct {
	data     []byte
	reliable bool
	due      time.Time
}

// Emulator wraps a transport. Connect, Events and the remaining Transport
// methods pass through to the inner transport.
type Emulator struct {
	transport.Transport

	cfg     Config
	tracker *BandwidthTracker
	now     func() time.Time
	observe func(Outcome)
	log     *logrus.Entry

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	queue   []pending
	busy    bool
	closed  bool
	lastDue time.Time
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	forwarded atomic.Uint64
	delayed   atomic.Uint64
	dropped   atomic.Uint64
	throttled atomic.Uint64
	failed    atomic.Uint64
}

var _ transport.Transport = (*Emulator)(nil)

// Wrap returns inner behind the emulated conditions of cfg.
func Wrap(inner transport.Transport, cfg Config, opts ...Option) (*Emulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Emulator{
		Transport: inner,
		cfg:       cfg,
		now:       time.Now,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = NewBandwidthTracker(cfg.BandwidthBytesPerSec, DefaultWindow)
	}
	if e.log == nil {
		e.log = logrus.WithField("component", "emulator")
	}
	go e.deliver()
	return e, nil
}

// Send applies loss, then the bandwidth window, then the delay. Failures
// come back as temporary errors; the caller is never blocked by the delay.
// A closed emulator refuses sends with transport.ErrClosed.
func (e *Emulator) Send(data []byte, reliable bool) error {
	if e.isClosed() {
		return transport.ErrClosed
	}
	if e.roll() {
		e.record(OutcomeDropped, &e.dropped)
		return ErrPacketDropped
	}
	now := e.now()
	if !e.tracker.TryConsume(e.RemoteAddr(), len(data), now) {
		e.record(OutcomeThrottled, &e.throttled)
		return ErrBandwidthExceeded
	}

	delay := e.delay()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return transport.ErrClosed
	}
	if delay == 0 && len(e.queue) == 0 && !e.busy {
		e.mu.Unlock()
		if err := e.Transport.Send(data, reliable); err != nil {
			return err
		}
		e.record(OutcomeForwarded, &e.forwarded)
		return nil
	}
	due := time.Now().Add(delay)
	// Never let a short jitter overtake an earlier send.
	if due.Before(e.lastDue) {
		due = e.lastDue
	}
	e.lastDue = due
	e.queue = append(e.queue, pending{data: data, reliable: reliable, due: due})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	e.record(OutcomeDelayed, &e.delayed)
	return nil
}

func (e *Emulator) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Emulator) roll() bool {
	if e.cfg.Loss <= 0 {
		return false
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < e.cfg.Loss
}

func (e *Emulator) delay() time.Duration {
	d := e.cfg.Latency
	if e.cfg.Jitter > 0 {
		e.rngMu.Lock()
		d += time.Duration(e.rng.Int64N(int64(e.cfg.Jitter) + 1))
		e.rngMu.Unlock()
	}
	return d
}

func (e *Emulator) record(o Outcome, c *atomic.Uint64) {
	c.Add(1)
	if e.observe != nil {
		e.observe(o)
	}
}

func (e *Emulator) deliver() {
	defer close(e.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			select {
			case <-e.wake:
				continue
			case <-e.quit:
				return
			}
		}
		head := e.queue[0]
		e.mu.Unlock()

		if wait := time.Until(head.due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-e.quit:
				return
			}
		}

		e.mu.Lock()
		e.queue = e.queue[1:]
		e.busy = true
		e.mu.Unlock()

		err := e.Transport.Send(head.data, head.reliable)
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
		if err != nil {
			e.log.WithError(err).WithField("bytes", len(head.data)).Warn("delayed send failed")
			e.record(OutcomeFailed, &e.failed)
			continue
		}
		e.forwarded.Add(1)
	}
}

// Counters returns the outcome counters. Stats still reports the inner
// transport.
func (e *Emulator) Counters() Stats {
	return Stats{
		Forwarded: e.forwarded.Load(),
		Delayed:   e.delayed.Load(),
		Dropped:   e.dropped.Load(),
		Throttled: e.throttled.Load(),
		Failed:    e.failed.Load(),
	}
}

// Queued returns the number of sends waiting out their delay.
func (e *Emulator) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close discards queued sends and closes the inner transport. Later sends
// fail with transport.ErrClosed.
func (e *Emulator) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.once.Do(func() { close(e.quit) })
	<-e.done
	e.mu.Lock()
	e.queue = nil
	e.mu.Unlock()
	return e.Transport.Close()
}
