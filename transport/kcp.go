// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"
)

const (
	kcpWindow       = 1024
	kcpMTU          = 1350
	kcpWriteTimeout = time.Second
)

var kcpCaps = Capabilities{Reliable: true, Ordered: true}

// KCPTransport is a reliable ordered link over KCP's ARQ. Unreliable sends
// ride the same channel.
type KCPTransport struct {
	*session
}

func NewKCP(opts Options) *KCPTransport {
	opts = opts.withDefaults("kcp")
	return &KCPTransport{session: newSession(opts, kcpCaps, MaxFramePayload, roleDialer)}
}

func (t *KCPTransport) Connect(ctx context.Context, endpoint string) error {
	if err := t.claim(); err != nil {
		return err
	}
	sess, err := kcp.DialWithOptions(endpoint, nil, 0, 0)
	if err != nil {
		t.release()
		return fmt.Errorf("kcp dial %q: %w", endpoint, err)
	}
	tuneKCP(sess)
	if err := t.start(newKCPLink(sess), sess.RemoteAddr().String()); err != nil {
		return err
	}
	return t.awaitEstablished(ctx)
}

// tuneKCP selects the low-latency profile: nodelay, 10 ms internal tick,
// fast resend after 2 duplicate acks, no congestion window.
func tuneKCP(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetWindowSize(kcpWindow, kcpWindow)
	sess.SetMtu(kcpMTU)
	sess.SetWriteDelay(false)
	sess.SetACKNoDelay(true)
}

// kcpLink frames link packets on a KCP stream.
type kcpLink struct {
	sess   *kcp.UDPSession
	frames frameReader
	buf    []byte
}

func newKCPLink(sess *kcp.UDPSession) *kcpLink {
	return &kcpLink{sess: sess, buf: make([]byte, 64*1024)}
}

func (k *kcpLink) recv(wait time.Duration) ([]byte, error) {
	if pkt, err := k.frames.next(); pkt != nil || err != nil {
		return pkt, err
	}
	deadline := time.Now().Add(wait)
	if err := k.sess.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	n, err := k.sess.Read(k.buf)
	if n > 0 {
		k.frames.push(k.buf[:n])
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrRemoteClosed
		}
		if kcpTimedOut(err, deadline) {
			return k.frames.next()
		}
		return nil, err
	}
	return k.frames.next()
}

// kcpTimedOut reports whether a read failed only because its deadline
// passed. kcp-go returns a plain errors.New("timeout") with no Timeout
// method, so an expired deadline is matched alongside the text.
func kcpTimedOut(err error, deadline time.Time) bool {
	if isTimeout(err) {
		return true
	}
	return err.Error() == "timeout" && !time.Now().Before(deadline)
}

func (k *kcpLink) send(pkt []byte, _ bool) error {
	if err := k.sess.SetWriteDeadline(time.Now().Add(kcpWriteTimeout)); err != nil {
		return err
	}
	return writeFrame(k.sess, pkt)
}

func (k *kcpLink) close() error { return k.sess.Close() }

// KCPListener accepts KCP sessions. Each gets its own polling loop.
type KCPListener struct {
	ln      *kcp.Listener
	opts    Options
	backlog chan Transport
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	peers map[*session]struct{}
}

func ListenKCP(addr string, opts Options) (*KCPListener, error) {
	opts = opts.withDefaults("kcp")
	ln, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("kcp listen %q: %w", addr, err)
	}
	l := &KCPListener{
		ln:      ln,
		opts:    opts,
		backlog: make(chan Transport, opts.AcceptBacklog),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		peers:   make(map[*session]struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *KCPListener) acceptLoop() {
	defer close(l.done)
	for {
		sess, err := l.ln.AcceptKCP()
		if err != nil {
			select {
			case <-l.quit:
			default:
				l.opts.Logger.WithError(err).Error("kcp accept")
			}
			return
		}
		tuneKCP(sess)
		l.spawn(sess)
	}
}

func (l *KCPListener) spawn(sess *kcp.UDPSession) {
	s := newSession(l.opts, kcpCaps, MaxFramePayload, roleAcceptor)
	p := &kcpPeer{session: s}
	s.onAccept = func(*session) bool {
		select {
		case l.backlog <- p:
			return true
		default:
			return false
		}
	}
	l.mu.Lock()
	l.peers[s] = struct{}{}
	l.mu.Unlock()
	go func() {
		<-s.done
		l.mu.Lock()
		delete(l.peers, s)
		l.mu.Unlock()
	}()
	_ = s.start(newKCPLink(sess), sess.RemoteAddr().String())
}

func (l *KCPListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.backlog:
		return t, nil
	case <-l.quit:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KCPListener) Addr() string { return l.ln.Addr().String() }

func (l *KCPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.quit)
		err = l.ln.Close()
		<-l.done
		l.mu.Lock()
		peers := make([]*session, 0, len(l.peers))
		for s := range l.peers {
			peers = append(peers, s)
		}
		l.mu.Unlock()
		for _, s := range peers {
			_ = s.Close()
		}
	})
	return err
}

type kcpPeer struct {
	*session
}

func (p *kcpPeer) Connect(context.Context, string) error { return ErrAlreadyStarted }
