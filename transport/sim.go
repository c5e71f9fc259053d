// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const simInboxSize = 8192

var (
	ErrAddrInUse  = errors.New("transport: address already in use")
	ErrNoListener = errors.New("transport: no listener at address")
)

var simCaps = Capabilities{Reliable: true, Unreliable: true, Ordered: true}

// SimNetwork is an in-memory, lossless packet network. Addresses are
// arbitrary strings registered by Listen.
type SimNetwork struct {
	mu        sync.Mutex
	listeners map[string]*SimListener
	seq       int
}

// DefaultSimNetwork backs the "sim" registry entry.
var DefaultSimNetwork = NewSimNetwork()

func NewSimNetwork() *SimNetwork {
	return &SimNetwork{listeners: make(map[string]*SimListener)}
}

// Listen registers a listener at addr. An empty addr picks a unique one.
func (n *SimNetwork) Listen(addr string, opts Options) (*SimListener, error) {
	opts = opts.withDefaults("sim")
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr == "" {
		n.seq++
		addr = fmt.Sprintf("sim-%d", n.seq)
	}
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	l := &SimListener{
		net:     n,
		addr:    addr,
		opts:    opts,
		backlog: make(chan Transport, opts.AcceptBacklog),
		quit:    make(chan struct{}),
		peers:   make(map[*session]struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// NewTransport returns an unconnected transport on this network.
func (n *SimNetwork) NewTransport(opts Options) *SimTransport {
	opts = opts.withDefaults("sim")
	return &SimTransport{
		session: newSession(opts, simCaps, MaxFramePayload, roleDialer),
		net:     n,
	}
}

func (n *SimNetwork) lookup(addr string) (*SimListener, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.listeners[addr]
	return l, ok
}

func (n *SimNetwork) unregister(l *SimListener) {
	n.mu.Lock()
	if n.listeners[l.addr] == l {
		delete(n.listeners, l.addr)
	}
	n.mu.Unlock()
}

// SimTransport is the dialing side of a simulated link.
type SimTransport struct {
	*session
	net *SimNetwork
}

func (t *SimTransport) Connect(ctx context.Context, endpoint string) error {
	if err := t.claim(); err != nil {
		return err
	}
	l, ok := t.net.lookup(endpoint)
	if !ok {
		t.release()
		return fmt.Errorf("%w: %s", ErrNoListener, endpoint)
	}
	local, remote := newSimPipe()
	if err := l.attach(remote); err != nil {
		t.release()
		return err
	}
	if err := t.start(local, endpoint); err != nil {
		return err
	}
	return t.awaitEstablished(ctx)
}

// SimListener accepts simulated links.
type SimListener struct {
	net     *SimNetwork
	addr    string
	opts    Options
	backlog chan Transport
	quit    chan struct{}

	mu     sync.Mutex
	closed bool
	peers  map[*session]struct{}
	once   sync.Once
}

type simPeer struct {
	*session
}

// Connect on an accepted transport is an error: it is already linked.
func (p *simPeer) Connect(context.Context, string) error { return ErrAlreadyStarted }

func (l *SimListener) attach(end *simEnd) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: %s", ErrNoListener, l.addr)
	}
	s := newSession(l.opts, simCaps, MaxFramePayload, roleAcceptor)
	s.onAccept = l.offer
	l.peers[s] = struct{}{}
	go func() {
		<-s.done
		l.mu.Lock()
		delete(l.peers, s)
		l.mu.Unlock()
	}()
	return s.start(end, fmt.Sprintf("%s#%p", l.addr, end))
}

func (l *SimListener) offer(s *session) bool {
	select {
	case l.backlog <- &simPeer{session: s}:
		return true
	default:
		return false
	}
}

func (l *SimListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.backlog:
		return t, nil
	case <-l.quit:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *SimListener) Addr() string { return l.addr }

func (l *SimListener) Close() error {
	l.once.Do(func() {
		l.net.unregister(l)
		l.mu.Lock()
		l.closed = true
		peers := make([]*session, 0, len(l.peers))
		for s := range l.peers {
			peers = append(peers, s)
		}
		l.mu.Unlock()
		close(l.quit)
		for _, s := range peers {
			_ = s.Close()
		}
	})
	return nil
}

// simEnd is one side of an in-memory pipe.
type simEnd struct {
	in    chan []byte
	peer  *simEnd
	fin   chan struct{}
	once  *sync.Once
	timer *time.Timer
}

func newSimPipe() (*simEnd, *simEnd) {
	fin := make(chan struct{})
	once := new(sync.Once)
	a := &simEnd{in: make(chan []byte, simInboxSize), fin: fin, once: once}
	b := &simEnd{in: make(chan []byte, simInboxSize), fin: fin, once: once}
	a.peer, b.peer = b, a
	return a, b
}

func (e *simEnd) recv(wait time.Duration) ([]byte, error) {
	select {
	case pkt := <-e.in:
		return pkt, nil
	default:
	}
	if e.timer == nil {
		e.timer = time.NewTimer(wait)
	} else {
		e.timer.Reset(wait)
	}
	select {
	case pkt := <-e.in:
		return pkt, nil
	case <-e.fin:
		// Drain what the peer queued before it hung up.
		select {
		case pkt := <-e.in:
			return pkt, nil
		default:
			return nil, ErrRemoteClosed
		}
	case <-e.timer.C:
		return nil, nil
	}
}

func (e *simEnd) send(pkt []byte, _ bool) error {
	select {
	case <-e.fin:
		return ErrClosed
	default:
	}
	select {
	case e.peer.in <- pkt:
		return nil
	case <-e.fin:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// close hangs up both directions.
func (e *simEnd) close() error {
	e.once.Do(func() { close(e.fin) })
	return nil
}
