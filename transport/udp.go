// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const udpReadBuffer = 65535

var udpCaps = Capabilities{Unreliable: true}

// UDPTransport is a raw datagram link. It carries no delivery guarantee;
// the reliable flag on Send is accepted and ignored.
type UDPTransport struct {
	*session
}

func NewUDP(opts Options) *UDPTransport {
	opts = opts.withDefaults("udp")
	return &UDPTransport{session: newSession(opts, udpCaps, MaxDatagramPayload, roleDialer)}
}

func (t *UDPTransport) Connect(ctx context.Context, endpoint string) error {
	if err := t.claim(); err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		t.release()
		return fmt.Errorf("udp resolve %q: %w", endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.release()
		return fmt.Errorf("udp dial %q: %w", endpoint, err)
	}
	link := &udpConn{conn: conn, buf: make([]byte, udpReadBuffer)}
	if err := t.start(link, raddr.String()); err != nil {
		return err
	}
	return t.awaitEstablished(ctx)
}

// udpConn is a connected datagram socket.
type udpConn struct {
	conn *net.UDPConn
	buf  []byte
}

func (c *udpConn) recv(wait time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		if isTimeout(err) || errors.Is(err, syscall.ECONNREFUSED) {
			// Nothing yet, or the peer is not up; connect retransmits.
			return nil, nil
		}
		return nil, err
	}
	pkt, err := openDatagram(c.buf[:n])
	if err != nil {
		// Foreign datagram; the session counts an empty packet as a drop.
		return []byte{}, nil
	}
	out := make([]byte, len(pkt))
	copy(out, pkt)
	return out, nil
}

func (c *udpConn) send(pkt []byte, _ bool) error {
	_, err := c.conn.Write(sealDatagram(pkt))
	if errors.Is(err, syscall.ECONNREFUSED) {
		return temporaryError("transport: udp peer unreachable")
	}
	return err
}

func (c *udpConn) close() error { return c.conn.Close() }

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type datagram struct {
	addr *net.UDPAddr
	pkt  []byte
}

// UDPListener demultiplexes one socket into per-address peers. Its loop is
// the only goroutine reading or writing the socket.
type UDPListener struct {
	conn    *net.UDPConn
	opts    Options
	backlog chan Transport
	out     chan datagram
	gone    chan string
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	// loop-owned
	peers map[string]*udpPeer

	dropped atomic.Uint64
}

func ListenUDP(addr string, opts Options) (*UDPListener, error) {
	opts = opts.withDefaults("udp")
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen %q: %w", addr, err)
	}
	l := &UDPListener{
		conn:    conn,
		opts:    opts,
		backlog: make(chan Transport, opts.AcceptBacklog),
		out:     make(chan datagram, opts.SendQueueSize),
		gone:    make(chan string, opts.AcceptBacklog),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		peers:   make(map[string]*udpPeer),
	}
	go l.run()
	return l, nil
}

func (l *UDPListener) run() {
	defer close(l.done)
	buf := make([]byte, udpReadBuffer)
	for {
		select {
		case <-l.quit:
			l.shutdown()
			return
		default:
		}
		l.flush()
		l.reap()

		if err := l.conn.SetReadDeadline(time.Now().Add(l.opts.PollInterval)); err != nil {
			l.opts.Logger.WithError(err).Error("udp listener deadline")
			l.shutdown()
			return
		}
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) || errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				l.shutdown()
				return
			}
			l.opts.Logger.WithError(err).Warn("udp listener read")
			continue
		}
		l.route(addr, buf[:n])
	}
}

func (l *UDPListener) route(addr *net.UDPAddr, b []byte) {
	pkt, err := openDatagram(b)
	if err != nil {
		l.dropped.Add(1)
		return
	}
	key := addr.String()
	peer, ok := l.peers[key]
	if !ok {
		if linkKind(pkt[0]) != kindConnect {
			l.dropped.Add(1)
			return
		}
		peer = l.spawn(addr, key)
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case peer.inbox <- cp:
	default:
		l.dropped.Add(1)
	}
}

func (l *UDPListener) spawn(addr *net.UDPAddr, key string) *udpPeer {
	s := newSession(l.opts, udpCaps, MaxDatagramPayload, roleAcceptor)
	p := &udpPeer{session: s, inbox: make(chan []byte, l.opts.EventQueueSize)}
	link := &udpPeerLink{l: l, addr: addr, key: key, inbox: p.inbox}
	s.onAccept = func(*session) bool {
		select {
		case l.backlog <- p:
			return true
		default:
			return false
		}
	}
	l.peers[key] = p
	_ = s.start(link, key)
	return p
}

func (l *UDPListener) flush() {
	for n := len(l.out); n > 0; n-- {
		d := <-l.out
		if _, err := l.conn.WriteToUDP(sealDatagram(d.pkt), d.addr); err != nil {
			l.opts.Logger.WithError(err).WithField("remote", d.addr.String()).Debug("udp listener write")
		}
	}
}

func (l *UDPListener) reap() {
	for n := len(l.gone); n > 0; n-- {
		delete(l.peers, <-l.gone)
	}
}

func (l *UDPListener) shutdown() {
	for _, p := range l.peers {
		_ = p.Close()
	}
	l.flush()
	_ = l.conn.Close()
}

func (l *UDPListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.backlog:
		return t, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *UDPListener) Addr() string { return l.conn.LocalAddr().String() }

// Dropped counts datagrams discarded before reaching a peer.
func (l *UDPListener) Dropped() uint64 { return l.dropped.Load() }

func (l *UDPListener) Close() error {
	l.once.Do(func() { close(l.quit) })
	<-l.done
	return nil
}

type udpPeer struct {
	*session
	inbox chan []byte
}

func (p *udpPeer) Connect(context.Context, string) error { return ErrAlreadyStarted }

// udpPeerLink routes a peer's traffic through the listener loop.
type udpPeerLink struct {
	l     *UDPListener
	addr  *net.UDPAddr
	key   string
	inbox chan []byte
	timer *time.Timer
}

func (p *udpPeerLink) recv(wait time.Duration) ([]byte, error) {
	select {
	case pkt := <-p.inbox:
		return pkt, nil
	default:
	}
	if p.timer == nil {
		p.timer = time.NewTimer(wait)
	} else {
		p.timer.Reset(wait)
	}
	select {
	case pkt := <-p.inbox:
		return pkt, nil
	case <-p.l.quit:
		return nil, ErrListenerClosed
	case <-p.timer.C:
		return nil, nil
	}
}

func (p *udpPeerLink) send(pkt []byte, _ bool) error {
	select {
	case p.l.out <- datagram{addr: p.addr, pkt: pkt}:
		return nil
	case <-p.l.quit:
		return ErrListenerClosed
	default:
		return ErrSendQueueFull
	}
}

func (p *udpPeerLink) close() error {
	select {
	case p.l.gone <- p.key:
	case <-p.l.quit:
	}
	return nil
}
