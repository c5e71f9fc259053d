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
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// linkMethod is the single bidirectional stream method carrying link packets.
const linkMethod = "/grainrpc.Link/Session"

var grpcCaps = Capabilities{Reliable: true, Ordered: true}

var linkStreamDesc = &grpc.StreamDesc{
	StreamName:    "Session",
	ServerStreams: true,
	ClientStreams: true,
}

// rawCodec moves link packets as opaque bytes, no protobuf involved.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("grainrpc-raw: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grainrpc-raw: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "grainrpc-raw" }

// GRPCTransport tunnels link packets through one gRPC stream, for networks
// that block UDP.
type GRPCTransport struct {
	*session
}

func NewGRPC(opts Options) *GRPCTransport {
	opts = opts.withDefaults("grpc")
	return &GRPCTransport{session: newSession(opts, grpcCaps, MaxFramePayload, roleDialer)}
}

func (t *GRPCTransport) Connect(ctx context.Context, endpoint string) error {
	if err := t.claim(); err != nil {
		return err
	}
	cc, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		t.release()
		return fmt.Errorf("grpc dial %q: %w", endpoint, err)
	}
	// The stream outlives ctx; ctx only bounds the wait for readiness.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, linkStreamDesc, linkMethod, grpc.WaitForReady(true))
	if !stop() {
		cancel()
		_ = cc.Close()
		t.release()
		return fmt.Errorf("%w: %w", ErrConnectTimeout, ctx.Err())
	}
	if err != nil {
		cancel()
		_ = cc.Close()
		t.release()
		return fmt.Errorf("grpc stream %q: %w", endpoint, err)
	}
	link := newGRPCLink(stream, func() {
		_ = stream.CloseSend()
		cancel()
		_ = cc.Close()
	})
	if err := t.start(link, endpoint); err != nil {
		return err
	}
	return t.awaitEstablished(ctx)
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcLink pumps RecvMsg on a helper goroutine; SendMsg stays on the
// session loop.
type grpcLink struct {
	stream  msgStream
	inbox   chan []byte
	errc    chan error
	stop    chan struct{}
	once    sync.Once
	release func()
	timer   *time.Timer
}

func newGRPCLink(stream msgStream, release func()) *grpcLink {
	g := &grpcLink{
		stream:  stream,
		inbox:   make(chan []byte, defaultEventQueueSize),
		errc:    make(chan error, 1),
		stop:    make(chan struct{}),
		release: release,
	}
	go g.pump()
	return g
}

func (g *grpcLink) pump() {
	for {
		var pkt []byte
		if err := g.stream.RecvMsg(&pkt); err != nil {
			g.errc <- err
			return
		}
		select {
		case g.inbox <- pkt:
		case <-g.stop:
			return
		}
	}
}

func (g *grpcLink) recv(wait time.Duration) ([]byte, error) {
	select {
	case pkt := <-g.inbox:
		return pkt, nil
	default:
	}
	if g.timer == nil {
		g.timer = time.NewTimer(wait)
	} else {
		g.timer.Reset(wait)
	}
	select {
	case pkt := <-g.inbox:
		return pkt, nil
	case err := <-g.errc:
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, ErrRemoteClosed
		}
		return nil, fmt.Errorf("grpc recv: %w", err)
	case <-g.timer.C:
		return nil, nil
	}
}

func (g *grpcLink) send(pkt []byte, _ bool) error {
	return g.stream.SendMsg(pkt)
}

func (g *grpcLink) close() error {
	g.once.Do(func() {
		close(g.stop)
		g.release()
	})
	return nil
}

// GRPCListener serves link streams through grpc.UnknownServiceHandler so no
// generated service code is needed.
type GRPCListener struct {
	lis     net.Listener
	srv     *grpc.Server
	opts    Options
	backlog chan Transport
	quit    chan struct{}
	once    sync.Once
}

func ListenGRPC(addr string, opts Options) (*GRPCListener, error) {
	opts = opts.withDefaults("grpc")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %q: %w", addr, err)
	}
	l := &GRPCListener{
		lis:     lis,
		opts:    opts,
		backlog: make(chan Transport, opts.AcceptBacklog),
		quit:    make(chan struct{}),
	}
	l.srv = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(l.handle),
	)
	go func() {
		if err := l.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			opts.Logger.WithError(err).Error("grpc serve")
		}
	}()
	return l, nil
}

func (l *GRPCListener) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != linkMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	done := make(chan struct{})
	link := newGRPCLink(stream, func() { close(done) })

	s := newSession(l.opts, grpcCaps, MaxFramePayload, roleAcceptor)
	p := &grpcPeer{session: s}
	s.onAccept = func(*session) bool {
		select {
		case l.backlog <- p:
			return true
		default:
			return false
		}
	}
	remote := "grpc"
	if pr, ok := peer.FromContext(stream.Context()); ok && pr.Addr != nil {
		remote = pr.Addr.String()
	}
	if err := s.start(link, remote); err != nil {
		return err
	}
	select {
	case <-done:
	case <-l.quit:
		_ = s.Close()
	}
	return nil
}

func (l *GRPCListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.backlog:
		return t, nil
	case <-l.quit:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *GRPCListener) Addr() string { return l.lis.Addr().String() }

func (l *GRPCListener) Close() error {
	l.once.Do(func() {
		close(l.quit)
		l.srv.Stop()
	})
	return nil
}

type grpcPeer struct {
	*session
}

func (p *grpcPeer) Connect(context.Context, string) error { return ErrAlreadyStarted }
