// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/grainrpc/transport"
)

var ErrLinkLost = errors.New("bench: link lost during run")

// Config drives a Runner.
type Config struct {
	Endpoint    string
	Clients     int
	Requests    int // per client
	PayloadSize int
	// Timeout bounds each request; an unanswered request counts as lost.
	Timeout  time.Duration
	Interval time.Duration
	Reliable bool
}

func (c *Config) applyDefaults() {
	if c.Clients <= 0 {
		c.Clients = 1
	}
	if c.Requests <= 0 {
		c.Requests = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
}

// Report summarizes one run.
type Report struct {
	Sent     int
	Received int
	Lost     int
	Min      time.Duration
	Mean     time.Duration
	P50      time.Duration
	P99      time.Duration
	Max      time.Duration
	Elapsed  time.Duration
	// Overhead is the header share of every frame on the wire.
	Overhead float64
}

func (r Report) String() string {
	return fmt.Sprintf(
		"sent=%d received=%d lost=%d min=%s mean=%s p50=%s p99=%s max=%s elapsed=%s overhead=%.1f%%",
		r.Sent, r.Received, r.Lost, r.Min, r.Mean, r.P50, r.P99, r.Max, r.Elapsed, r.Overhead*100,
	)
}

// Dialer returns a fresh unconnected transport per client.
type Dialer func() (transport.Transport, error)

// Runner drives concurrent ping-pong clients against an EchoServer.
type Runner struct {
	cfg  Config
	dial Dialer
	log  *logrus.Entry

	mu      sync.Mutex
	samples []time.Duration
	sent    int
	lost    int
}

func NewRunner(cfg Config, dial Dialer, log *logrus.Entry) *Runner {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.WithField("component", "bench")
	}
	return &Runner{cfg: cfg, dial: dial, log: log}
}

func (r *Runner) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Clients; i++ {
		g.Go(func() error { return r.client(gctx, i) })
	}
	err := g.Wait()
	rep := r.report(time.Since(start))
	r.log.WithFields(logrus.Fields{
		"sent": rep.Sent, "received": rep.Received, "lost": rep.Lost, "p50": rep.P50,
	}).Info("bench run finished")
	return rep, err
}

func (r *Runner) client(ctx context.Context, idx int) error {
	t, err := r.dial()
	if err != nil {
		return err
	}
	defer t.Close()
	if err := t.Connect(ctx, r.cfg.Endpoint); err != nil {
		return fmt.Errorf("bench client %d: %w", idx, err)
	}

	payload := make([]byte, r.cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	for seq := 1; seq <= r.cfg.Requests; seq++ {
		id := uint32(idx)<<20 | uint32(seq)
		sentAt := time.Now()
		if err := t.Send(Encode(Frame{RequestID: id, Payload: payload}), r.cfg.Reliable); err != nil {
			if !transport.IsTemporary(err) {
				return fmt.Errorf("bench client %d: %w", idx, err)
			}
			r.record(0, false)
			continue
		}
		timer.Reset(r.cfg.Timeout)
		rtt, ok, err := r.await(ctx, t, id, sentAt, timer)
		if err != nil {
			return fmt.Errorf("bench client %d: %w", idx, err)
		}
		r.record(rtt, ok)
		if r.cfg.Interval > 0 {
			select {
			case <-time.After(r.cfg.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// await waits for the echo of id; responses to earlier timed out requests
// are skipped.
func (r *Runner) await(ctx context.Context, t transport.Transport, id uint32, sentAt time.Time, timer *time.Timer) (time.Duration, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-timer.C:
			return 0, false, nil
		case ev, ok := <-t.Events():
			if !ok || ev.Kind == transport.EventDisconnected {
				return 0, false, ErrLinkLost
			}
			if ev.Kind != transport.EventData {
				continue
			}
			f, err := Parse(ev.Data)
			if err != nil || f.RequestID != id {
				continue
			}
			return time.Since(sentAt), true, nil
		}
	}
}

func (r *Runner) record(rtt time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
	if !ok {
		r.lost++
		return
	}
	r.samples = append(r.samples, rtt)
}

func (r *Runner) report(elapsed time.Duration) Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := Report{
		Sent:     r.sent,
		Received: len(r.samples),
		Lost:     r.lost,
		Elapsed:  elapsed,
		Overhead: float64(HeaderSize) / float64(HeaderSize+r.cfg.PayloadSize),
	}
	if len(r.samples) == 0 {
		return rep
	}
	s := slices.Clone(r.samples)
	slices.Sort(s)
	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	rep.Min = s[0]
	rep.Max = s[len(s)-1]
	rep.Mean = sum / time.Duration(len(s))
	rep.P50 = percentile(s, 0.50)
	rep.P99 = percentile(s, 0.99)
	return rep
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
