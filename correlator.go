// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/wire"
)

// DefaultCallTimeout bounds a request when neither the caller nor the
// config supplies one.
const DefaultCallTimeout = 30 * time.Second

// sender is the part of a Connection the correlator needs.
type sender interface {
	ID() string
	ServerID() string
	Send(wire.Message) error
}

// Future is the single-assignment result of a request.
type Future struct {
	done    chan struct{}
	payload []byte
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends. Ending ctx here does not
// settle the request; the context passed to Correlator.Send does.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
}

// Result returns the settled value. It must only be called after Done.
func (f *Future) Result() ([]byte, error) { return f.payload, f.err }

type pendingRequest struct {
	id       uint32
	connID   string
	serverID string
	created  time.Time
	future   *Future
	timer    *time.Timer
	stopCtx  func() bool
}

// Correlator matches responses to outstanding requests. Each request settles
// exactly once: by its response, its timeout, its context or the loss of its
// connection, whichever removes the table entry first.
type Correlator struct {
	log            *logrus.Entry
	defaultTimeout time.Duration

	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	closed  bool
}

func NewCorrelator(defaultTimeout time.Duration, log *logrus.Entry) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Correlator{
		log:            log.WithField("component", "correlator"),
		defaultTimeout: defaultTimeout,
		pending:        make(map[uint32]*pendingRequest),
	}
}

func (c *Correlator) newID() uint32 {
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// Send assigns req a correlation id, registers it and sends it on conn. A
// timeout of zero uses the correlator default. When the send itself fails the
// entry is removed and the error returned; no future is produced.
func (c *Correlator) Send(ctx context.Context, conn sender, req *wire.Request, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx)
	}
	req.CorrelationID = c.newID()
	req.OneWay = false
	if req.TimeoutMs == 0 {
		req.TimeoutMs = uint32(timeout / time.Millisecond)
	}

	p := &pendingRequest{
		id:       req.CorrelationID,
		connID:   conn.ID(),
		serverID: conn.ServerID(),
		created:  time.Now(),
		future:   newFuture(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[p.id] = p
	// Both hooks are installed under the lock so a settle racing with
	// registration always finds them.
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(p.id, "", nil, fmt.Errorf("%w after %s", ErrTimeout, timeout))
	})
	p.stopCtx = context.AfterFunc(ctx, func() {
		c.settle(p.id, "", nil, contextError(ctx))
	})
	c.mu.Unlock()
	recordPending(1)

	if err := conn.Send(req); err != nil {
		c.settle(p.id, "", nil, err)
		return nil, err
	}
	return p.future, nil
}

// Notify sends a one-way request; nothing is registered.
func (c *Correlator) Notify(conn sender, req *wire.Request) error {
	req.CorrelationID = c.newID()
	req.OneWay = true
	return conn.Send(req)
}

// Complete settles the request resp answers. Responses for unknown ids, or
// arriving on a connection other than the one the request left on, are
// dropped.
func (c *Correlator) Complete(conn sender, resp *wire.Response) bool {
	var err error
	if !resp.Success {
		err = &ApplicationError{Message: resp.Error}
	}
	if !c.settle(resp.CorrelationID, conn.ID(), resp.Payload, err) {
		c.log.WithFields(logrus.Fields{
			"correlation": resp.CorrelationID,
			"conn":        conn.ID(),
		}).Debug("dropping unmatched response")
		return false
	}
	return true
}

// settle removes id and resolves its future. connID, when set, must match
// the connection the request was sent on. It reports whether this call won.
func (c *Correlator) settle(id uint32, connID string, payload []byte, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || (connID != "" && p.connID != connID) {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	c.mu.Unlock()

	p.timer.Stop()
	p.stopCtx()
	p.future.payload, p.future.err = payload, err
	close(p.future.done)
	recordPending(-1)
	recordRequest(p.serverID, err, time.Since(p.created))
	return true
}

// FailConnection settles every request sent on connID with err.
func (c *Correlator) FailConnection(connID string, err error) int {
	c.mu.Lock()
	var ids []uint32
	for id, p := range c.pending {
		if p.connID == connID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.settle(id, connID, nil, err) {
			n++
		}
	}
	return n
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding request with ErrClosed and rejects new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	ids := make([]uint32, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.settle(id, "", nil, ErrClosed)
	}
}
