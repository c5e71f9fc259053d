// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var errBacklogFull = errors.New("transport: accept backlog full")

// conduit is the raw packet pipe under a session. Only the session loop
// calls recv and send.
type conduit interface {
	// recv waits up to wait for one link packet; it returns nil, nil when
	// nothing arrived.
	recv(wait time.Duration) ([]byte, error)
	send(pkt []byte, reliable bool) error
	close() error
}

type role uint8

const (
	roleDialer role = iota
	roleAcceptor
)

type outbound struct {
	pkt      []byte
	reliable bool
}

type counters struct {
	packetsSent atomic.Uint64
	packetsRecv atomic.Uint64
	bytesSent   atomic.Uint64
	bytesRecv   atomic.Uint64
	dropped     atomic.Uint64
	sendErrors  atomic.Uint64
}

// session is the polling loop shared by every backend. It runs the link
// handshake, keepalive and idle detection, and turns link packets into
// Events.
type session struct {
	opts       Options
	log        *logrus.Entry
	caps       Capabilities
	maxPayload int
	role       role

	// onAccept hands an acceptor session to its listener once the peer's
	// connect packet arrived. It returns false when the backlog is full.
	onAccept func(*session) bool

	sendq       chan outbound
	events      chan Event
	quit        chan struct{}
	done        chan struct{}
	established chan struct{}

	mu      sync.Mutex
	started bool
	remote  string
	link    conduit

	closeOnce sync.Once
	closed    atomic.Bool
	connected atomic.Bool
	exitErr   error

	// loop-owned
	lastSend    time.Time
	lastRecv    time.Time
	lastConnect time.Time

	stats counters
}

func newSession(opts Options, caps Capabilities, maxPayload int, r role) *session {
	return &session{
		opts:        opts,
		log:         opts.Logger,
		caps:        caps,
		maxPayload:  maxPayload,
		role:        r,
		sendq:       make(chan outbound, opts.SendQueueSize),
		events:      make(chan Event, opts.EventQueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		established: make(chan struct{}),
	}
}

// claim marks a dialer session as used by Connect.
func (s *session) claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed.Load():
		return ErrClosed
	case s.started || s.remote != "":
		return ErrAlreadyStarted
	}
	s.remote = "pending"
	return nil
}

// release undoes claim after a failed dial.
func (s *session) release() {
	s.mu.Lock()
	if !s.started {
		s.remote = ""
	}
	s.mu.Unlock()
}

func (s *session) start(link conduit, remote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		_ = link.close()
		return ErrClosed
	}
	s.started = true
	s.remote = remote
	s.link = link
	s.log = s.log.WithField("remote", remote)
	go s.run()
	return nil
}

// awaitEstablished blocks a dialer until the accept packet arrives.
func (s *session) awaitEstablished(ctx context.Context) error {
	select {
	case <-s.established:
		return nil
	case <-s.done:
		if errors.Is(s.exitErr, ErrIdleTimeout) {
			return fmt.Errorf("%w: %w", ErrConnectTimeout, s.exitErr)
		}
		return fmt.Errorf("transport connect: %w", s.exitErr)
	case <-ctx.Done():
		_ = s.Close()
		return fmt.Errorf("%w: %w", ErrConnectTimeout, ctx.Err())
	}
}

func (s *session) run() {
	defer close(s.done)

	now := time.Now()
	s.lastSend, s.lastRecv = now, now
	if s.role == roleDialer {
		s.write(linkPacket(kindConnect, nil), true)
		s.lastConnect = now
	}
	err := s.loop()
	s.finish(err)
}

func (s *session) loop() error {
	for {
		select {
		case <-s.quit:
			if s.connected.Load() {
				s.write(linkPacket(kindDisconnect, nil), false)
			}
			return ErrClosed
		default:
		}

		for n := len(s.sendq); n > 0; n-- {
			o := <-s.sendq
			s.write(o.pkt, o.reliable)
		}

		pkt, err := s.link.recv(s.opts.PollInterval)
		if err != nil {
			return err
		}
		now := time.Now()
		if pkt != nil {
			if err := s.handle(pkt, now); err != nil {
				return err
			}
		}
		if err := s.tick(now); err != nil {
			return err
		}
	}
}

func (s *session) handle(pkt []byte, now time.Time) error {
	kind, payload, err := parseLink(pkt)
	if err != nil {
		s.stats.dropped.Add(1)
		s.log.WithError(err).Debug("dropping link packet")
		return nil
	}
	s.lastRecv = now
	s.stats.packetsRecv.Add(1)
	s.stats.bytesRecv.Add(uint64(len(pkt)))

	switch kind {
	case kindConnect:
		if s.role != roleAcceptor {
			s.stats.dropped.Add(1)
			return nil
		}
		// Retransmitted connects get a fresh accept.
		s.write(linkPacket(kindAccept, nil), true)
		if !s.connected.Load() {
			return s.establish()
		}
	case kindAccept:
		if s.role == roleDialer && !s.connected.Load() {
			return s.establish()
		}
	case kindData:
		if !s.connected.Load() {
			s.stats.dropped.Add(1)
			return nil
		}
		s.emit(Event{Kind: EventData, Data: payload})
	case kindDisconnect:
		return ErrRemoteClosed
	case kindPing:
	}
	return nil
}

func (s *session) establish() error {
	s.connected.Store(true)
	close(s.established)
	s.emit(Event{Kind: EventConnected})
	s.log.Debug("link established")
	if s.onAccept != nil && !s.onAccept(s) {
		return errBacklogFull
	}
	return nil
}

func (s *session) tick(now time.Time) error {
	if !s.connected.Load() {
		if s.role == roleDialer && now.Sub(s.lastConnect) >= s.opts.ConnectInterval {
			s.write(linkPacket(kindConnect, nil), true)
			s.lastConnect = now
		}
	} else if now.Sub(s.lastSend) >= s.opts.KeepAlive {
		s.write(linkPacket(kindPing, nil), false)
	}
	if now.Sub(s.lastRecv) >= s.opts.IdleTimeout {
		return ErrIdleTimeout
	}
	return nil
}

func (s *session) write(pkt []byte, reliable bool) {
	if err := s.link.send(pkt, reliable); err != nil {
		s.stats.sendErrors.Add(1)
		// A hung-up link is reported by recv once the peer's last
		// packets are drained, as a disconnect rather than a send failure.
		if isHangup(err) {
			s.log.WithError(err).Debug("write on hung-up link")
			return
		}
		s.emit(Event{Kind: EventError, Err: fmt.Errorf("transport send: %w", err)})
		return
	}
	s.lastSend = time.Now()
	s.stats.packetsSent.Add(1)
	s.stats.bytesSent.Add(uint64(len(pkt)))
}

func isHangup(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrRemoteClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// emit publishes ev. A dialer's consumer applies backpressure to the loop;
// an acceptor never lets one slow peer stall its listener, so it drops.
func (s *session) emit(ev Event) {
	if s.role == roleAcceptor {
		select {
		case s.events <- ev:
		default:
			s.stats.dropped.Add(1)
			s.log.WithField("event", ev.Kind).Warn("event queue full, dropping")
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *session) finish(err error) {
	s.connected.Store(false)
	s.closed.Store(true)
	if cerr := s.link.close(); cerr != nil {
		s.log.WithError(cerr).Debug("closing link")
	}
	s.exitErr = err
	select {
	case s.events <- Event{Kind: EventDisconnected, Err: err}:
	default:
	}
	close(s.events)
	if errors.Is(err, ErrClosed) {
		s.log.Debug("link closed")
	} else {
		s.log.WithError(err).Info("link disconnected")
	}
}

func (s *session) Send(data []byte, reliable bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}
	if len(data) > s.maxPayload {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), s.maxPayload)
	}
	select {
	case s.sendq <- outbound{pkt: linkPacket(kindData, data), reliable: reliable}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *session) Events() <-chan Event { return s.events }

func (s *session) Capabilities() Capabilities { return s.caps }

func (s *session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ""
	}
	return s.remote
}

func (s *session) Stats() Stats {
	return Stats{
		PacketsSent:     s.stats.packetsSent.Load(),
		PacketsReceived: s.stats.packetsRecv.Load(),
		BytesSent:       s.stats.bytesSent.Load(),
		BytesReceived:   s.stats.bytesRecv.Load(),
		PacketsDropped:  s.stats.dropped.Load(),
		SendErrors:      s.stats.sendErrors.Load(),
		Connected:       s.connected.Load(),
	}
}

// Close stops the loop and waits for it to release the link. It is safe to
// call more than once and before Connect.
func (s *session) Close() error {
	s.mu.Lock()
	started := s.started
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		if !started {
			s.exitErr = ErrClosed
			close(s.events)
			close(s.done)
		}
	})
	s.mu.Unlock()
	<-s.done
	return nil
}
