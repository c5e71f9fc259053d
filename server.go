// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/transport"
	"github.com/luxfi/grainrpc/wire"
)

// MethodHandler answers one grain method call.
type MethodHandler func(ctx context.Context, grain wire.GrainID, args []byte) ([]byte, error)

// StreamHandler produces the items of one stream through emit. Returning nil
// completes the stream; an error fails it. ctx is cancelled when the client
// cancels the stream.
type StreamHandler func(ctx context.Context, grain wire.GrainID, args []byte, emit func([]byte) error) error

type methodKey struct {
	grainType string
	method    uint32
}

func (k methodKey) String() string {
	return fmt.Sprintf("%s#%d", k.grainType, k.method)
}

// Server hosts grain methods and streams on a transport listener.
type Server struct {
	id  string
	ln  transport.Listener
	log *logrus.Entry
	opt serverOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	methods  map[methodKey]MethodHandler
	streams  map[methodKey]StreamHandler
	manifest wire.Manifest
	zones    []string
	peers    map[string]*serverPeer

	handlers  sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

type serverPeer struct {
	conn *Connection

	mu      sync.Mutex
	streams map[uint32]context.CancelFunc
}

// Listen opens a listener on addr with the selected transport backend.
func Listen(addr string, opts ...ServerOption) (*Server, error) {
	o := serverOptions{
		transport: transport.DefaultBackend,
		reliable:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.serverID == "" {
		o.serverID = "server-" + shortuuid.New()
	}
	ln := o.listener
	if ln == nil {
		topts := o.topts
		if topts.Logger == nil {
			topts.Logger = o.log
		}
		var err error
		ln, err = transport.Listen(o.transport, addr, topts)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		id:     o.serverID,
		ln:     ln,
		log:    o.log.WithFields(logrus.Fields{"component": "server", "server": o.serverID}),
		opt:    o,
		ctx:    ctx,
		cancel: cancel,
		manifest: wire.Manifest{
			GrainProperties:     make(map[string]map[string]string),
			InterfaceProperties: make(map[string]map[string]string),
			InterfaceToGrain:    make(map[string]string),
		},
		methods: make(map[methodKey]MethodHandler),
		streams: make(map[methodKey]StreamHandler),
		zones:   slices.Clone(o.zones),
		peers:   make(map[string]*serverPeer),
	}
	return s, nil
}

func (s *Server) ID() string { return s.id }

// Addr returns the listener address
func (s *Server) Addr() string { return s.ln.Addr() }

// RegisterMethod installs h for method on grainType. The grain type is
// added to the announced manifest.
func (s *Server) RegisterMethod(grainType string, method uint32, h MethodHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := methodKey{grainType, method}
	if _, ok := s.methods[k]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, k)
	}
	s.methods[k] = h
	s.addGrainLocked(grainType)
	return nil
}

// RegisterStream installs h for stream method on grainType.
func (s *Server) RegisterStream(grainType string, method uint32, h StreamHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := methodKey{grainType, method}
	if _, ok := s.streams[k]; ok {
		return fmt.Errorf("%w: stream %s", ErrAlreadyRegistered, k)
	}
	s.streams[k] = h
	s.addGrainLocked(grainType)
	return nil
}

// RegisterInterface announces that grainType implements iface. Requests that
// name only the interface are resolved through it.
func (s *Server) RegisterInterface(iface, grainType string, props map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.InterfaceToGrain[iface] = grainType
	s.manifest.InterfaceProperties[iface] = maps.Clone(props)
	s.addGrainLocked(grainType)
}

// SetGrainProperties replaces the announced properties of grainType.
func (s *Server) SetGrainProperties(grainType string, props map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.GrainProperties[grainType] = maps.Clone(props)
}

func (s *Server) addGrainLocked(grainType string) {
	if _, ok := s.manifest.GrainProperties[grainType]; !ok {
		s.manifest.GrainProperties[grainType] = map[string]string{}
	}
}

// SetZones replaces the zones this server owns and pushes an updated
// HandshakeAck to every connected client.
func (s *Server) SetZones(zones ...string) {
	s.mu.Lock()
	s.zones = slices.Clone(zones)
	peers := slices.Collect(maps.Values(s.peers))
	s.mu.Unlock()

	ack := s.ackFor()
	for _, p := range peers {
		if p.conn.State() != StateConnected {
			continue
		}
		if err := p.conn.Send(ack); err != nil {
			s.log.WithError(err).WithField("conn", p.conn.ID()).Warn("ack update not sent")
		}
	}
	s.log.WithField("zones", zones).Info("zones updated")
}

func (s *Server) ackFor() *wire.HandshakeAck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	zones := make(map[string]string, len(s.zones))
	for _, z := range s.zones {
		zones[z] = s.id
	}
	return &wire.HandshakeAck{
		ServerID: s.id,
		Primary:  s.opt.primary,
		Manifest: s.manifest.Clone(),
		Zones:    zones,
	}
}

// Serve accepts clients until ctx ends or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.log.WithField("addr", s.Addr()).Info("serving")
	for {
		t, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return fmt.Errorf("%w: accept: %w", ErrTransport, err)
		}
		s.accept(t)
	}
}

func (s *Server) accept(t transport.Transport) {
	p := &serverPeer{streams: make(map[uint32]context.CancelFunc)}
	p.conn = newConnection(t, connConfig{
		role:     roleServer,
		reliable: s.opt.reliable,
		log:      s.log.WithField("remote", t.RemoteAddr()),
		ackFor:   s.ackFor,
		dispatch: func(c *Connection, msg wire.Message) { s.dispatch(p, c, msg) },
	})

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = p.conn.Close()
		return
	}
	s.peers[p.conn.ID()] = p
	s.mu.Unlock()

	go func() {
		<-p.conn.Done()
		p.cancelAll()
		s.mu.Lock()
		delete(s.peers, p.conn.ID())
		s.mu.Unlock()
	}()
}

func (s *Server) dispatch(p *serverPeer, c *Connection, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Request:
		s.spawn(func() { s.handleRequest(c, m) })
	case *wire.StreamRequest:
		ctx, cancel := context.WithCancel(s.ctx)
		if !p.track(m.StreamID, cancel) {
			cancel()
			s.log.WithField("stream", m.StreamID).Warn("duplicate stream id")
			return
		}
		s.spawn(func() {
			defer p.untrack(m.StreamID)
			defer cancel()
			s.handleStream(ctx, c, m)
		})
	case *wire.StreamCancel:
		p.cancel(m.StreamID)
	default:
		s.log.WithFields(logrus.Fields{"conn": c.ID(), "tag": msg.Tag()}).Debug("ignoring unexpected message")
	}
}

func (s *Server) spawn(fn func()) {
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return
	}
	s.handlers.Add(1)
	s.mu.RUnlock()
	go func() {
		defer s.handlers.Done()
		fn()
	}()
}

// resolve finds the grain type of a request, falling back to the announced
// interface mapping when the request names only an interface.
func (s *Server) resolve(grain wire.GrainID, iface string) string {
	if grain.Type != "" {
		return grain.Type
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest.InterfaceToGrain[iface]
}

func (s *Server) handleRequest(c *Connection, req *wire.Request) {
	timeout := DefaultCallTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	k := methodKey{s.resolve(req.Grain, req.Interface), req.Method}
	s.mu.RLock()
	h, ok := s.methods[k]
	s.mu.RUnlock()

	var (
		payload []byte
		err     error
	)
	if !ok {
		err = &ApplicationError{Message: "unknown method " + k.String()}
	} else {
		payload, err = invoke(ctx, h, req)
	}
	recordServerRequest("call", err)
	if req.OneWay {
		if err != nil {
			s.log.WithError(err).WithField("method", k.String()).Debug("one-way request failed")
		}
		return
	}
	resp := &wire.Response{CorrelationID: req.CorrelationID, Success: err == nil, Payload: payload}
	if err != nil {
		resp.Error = errorMessage(err)
	}
	if err := c.Send(resp); err != nil {
		s.log.WithError(err).WithField("correlation", req.CorrelationID).Warn("response not sent")
	}
}

func invoke(ctx context.Context, h MethodHandler, req *wire.Request) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ApplicationError{Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h(ctx, req.Grain, req.Args)
}

func errorMessage(err error) string {
	var app *ApplicationError
	if errors.As(err, &app) {
		return app.Message
	}
	return err.Error()
}

func (s *Server) handleStream(ctx context.Context, c *Connection, req *wire.StreamRequest) {
	k := methodKey{s.resolve(req.Grain, req.Interface), req.Method}
	s.mu.RLock()
	h, ok := s.streams[k]
	s.mu.RUnlock()

	var err error
	if !ok {
		err = &ApplicationError{Message: "unknown stream " + k.String()}
	} else {
		emit := func(item []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.Send(&wire.StreamItem{StreamID: req.StreamID, Status: wire.ItemValue, Payload: item})
		}
		err = runStream(ctx, h, req, emit)
	}
	recordServerRequest("stream", err)
	if ctx.Err() != nil {
		// Cancelled by the client or by Close; nothing more is sent.
		return
	}
	end := &wire.StreamItem{StreamID: req.StreamID, Status: wire.ItemCompleted}
	if err != nil {
		end.Status = wire.ItemFailed
		end.Error = errorMessage(err)
	}
	if err := c.Send(end); err != nil {
		s.log.WithError(err).WithField("stream", req.StreamID).Warn("stream end not sent")
	}
}

func runStream(ctx context.Context, h StreamHandler, req *wire.StreamRequest, emit func([]byte) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ApplicationError{Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h(ctx, req.Grain, req.Args, emit)
}

func (p *serverPeer) track(id uint32, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.streams[id]; ok {
		return false
	}
	p.streams[id] = cancel
	return true
}

func (p *serverPeer) untrack(id uint32) {
	p.mu.Lock()
	delete(p.streams, id)
	p.mu.Unlock()
}

func (p *serverPeer) cancel(id uint32) {
	p.mu.Lock()
	cancel, ok := p.streams[id]
	delete(p.streams, id)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *serverPeer) cancelAll() {
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[uint32]context.CancelFunc)
	p.mu.Unlock()
	for _, cancel := range streams {
		cancel()
	}
}

// PeerInfo describes one client connection.
type PeerInfo struct {
	Conn    string `json:"conn"`
	Client  string `json:"client"`
	Remote  string `json:"remote"`
	State   string `json:"state"`
	Streams int    `json:"streams"`
}

// Peers returns the connected clients ordered by connection id.
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		p.mu.Lock()
		n := len(p.streams)
		p.mu.Unlock()
		out = append(out, PeerInfo{
			Conn:    p.conn.ID(),
			Client:  p.conn.PeerID(),
			Remote:  p.conn.RemoteAddr(),
			State:   p.conn.State().String(),
			Streams: n,
		})
	}
	slices.SortFunc(out, func(a, b PeerInfo) int { return cmp.Compare(a.Conn, b.Conn) })
	return out
}

// Close stops accepting, cancels running handlers and closes every client
// connection.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		peers := slices.Collect(maps.Values(s.peers))
		s.mu.Unlock()

		s.cancel()
		err = s.ln.Close()
		for _, p := range peers {
			_ = p.conn.Close()
		}
		s.handlers.Wait()
		s.log.Info("server closed")
	})
	return err
}
