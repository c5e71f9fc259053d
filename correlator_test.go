// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/grainrpc/wire"
)

// fakeSender records what is sent instead of touching a transport.
type fakeSender struct {
	id     string
	server string

	mu   sync.Mutex
	sent []wire.Message
	err  error
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{id: id, server: "server-" + id}
}

func (f *fakeSender) ID() string       { return f.id }
func (f *fakeSender) ServerID() string { return f.server }

func (f *fakeSender) Send(msg wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) messages() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message(nil), f.sent...)
}

func waitFuture(t *testing.T, f *Future) ([]byte, error) {
	t.Helper()
	select {
	case <-f.Done():
		return f.Result()
	case <-time.After(5 * time.Second):
		require.FailNow(t, "future never settled")
		return nil, nil
	}
}

func TestCorrelatorCompletes(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	conn := newFakeSender("a")

	req := &wire.Request{Grain: wire.GrainID{Type: "Player", Key: "1"}, Method: 3}
	fut, err := c.Send(context.Background(), conn, req, 0)
	require.NoError(t, err)
	require.NotZero(t, req.CorrelationID)
	require.False(t, req.OneWay)
	require.Equal(t, uint32(time.Minute/time.Millisecond), req.TimeoutMs)
	require.Len(t, conn.messages(), 1)
	require.Equal(t, 1, c.Pending())

	resp := &wire.Response{CorrelationID: req.CorrelationID, Success: true, Payload: []byte("ok")}
	require.True(t, c.Complete(conn, resp))
	require.False(t, c.Complete(conn, resp), "second response must be dropped")

	payload, err := waitFuture(t, fut)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), payload)
	require.Zero(t, c.Pending())
}

func TestCorrelatorApplicationError(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	conn := newFakeSender("a")

	req := &wire.Request{}
	fut, err := c.Send(context.Background(), conn, req, 0)
	require.NoError(t, err)
	c.Complete(conn, &wire.Response{CorrelationID: req.CorrelationID, Error: "no such player"})

	_, err = waitFuture(t, fut)
	require.ErrorIs(t, err, ErrApplication)
	var app *ApplicationError
	require.ErrorAs(t, err, &app)
	require.Equal(t, "no such player", app.Message)
}

func TestCorrelatorDropsForeignResponses(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	a, b := newFakeSender("a"), newFakeSender("b")

	req := &wire.Request{}
	fut, err := c.Send(context.Background(), a, req, 0)
	require.NoError(t, err)

	require.False(t, c.Complete(a, &wire.Response{CorrelationID: req.CorrelationID + 100, Success: true}))
	require.False(t, c.Complete(b, &wire.Response{CorrelationID: req.CorrelationID, Success: true}))
	require.Equal(t, 1, c.Pending())

	select {
	case <-fut.Done():
		require.FailNow(t, "future settled by a foreign response")
	default:
	}
	require.True(t, c.Complete(a, &wire.Response{CorrelationID: req.CorrelationID, Success: true}))
}

func TestCorrelatorTimeout(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	req := &wire.Request{}
	fut, err := c.Send(context.Background(), newFakeSender("a"), req, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = waitFuture(t, fut)
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, c.Pending())
	require.Equal(t, "timeout", ErrorKind(err))
}

func TestCorrelatorContext(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)

	t.Run("cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		fut, err := c.Send(ctx, newFakeSender("a"), &wire.Request{}, 0)
		require.NoError(t, err)
		cancel()
		_, err = waitFuture(t, fut)
		require.ErrorIs(t, err, ErrCancelled)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		fut, err := c.Send(ctx, newFakeSender("a"), &wire.Request{}, 0)
		require.NoError(t, err)
		_, err = waitFuture(t, fut)
		require.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("already done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		conn := newFakeSender("a")
		_, err := c.Send(ctx, conn, &wire.Request{}, 0)
		require.ErrorIs(t, err, ErrCancelled)
		require.Empty(t, conn.messages())
	})

	require.Zero(t, c.Pending())
}

func TestCorrelatorSendFailure(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	conn := newFakeSender("a")
	conn.err = errors.New("wire cut")

	fut, err := c.Send(context.Background(), conn, &wire.Request{}, 0)
	require.Error(t, err)
	require.Nil(t, fut)
	require.Zero(t, c.Pending())
}

func TestCorrelatorFailConnection(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	a, b := newFakeSender("a"), newFakeSender("b")

	const k = 5
	var futures []*Future
	for range k {
		fut, err := c.Send(context.Background(), a, &wire.Request{}, 0)
		require.NoError(t, err)
		futures = append(futures, fut)
	}
	other, err := c.Send(context.Background(), b, &wire.Request{}, 0)
	require.NoError(t, err)

	require.Equal(t, k, c.FailConnection("a", ErrConnectionLost))
	for _, fut := range futures {
		_, err := waitFuture(t, fut)
		require.ErrorIs(t, err, ErrConnectionLost)
	}
	require.Equal(t, 1, c.Pending())
	require.Zero(t, c.FailConnection("a", ErrConnectionLost))

	select {
	case <-other.Done():
		require.FailNow(t, "request on another connection was failed")
	default:
	}
}

func TestCorrelatorSettlesOnce(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	conn := newFakeSender("a")

	const n = 200
	reqs := make([]*wire.Request, n)
	futures := make([]*Future, n)
	for i := range n {
		reqs[i] = &wire.Request{}
		fut, err := c.Send(context.Background(), conn, reqs[i], 5*time.Millisecond)
		require.NoError(t, err)
		futures[i] = fut
	}

	// Responses, the timeout and connection loss all race for every entry.
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if c.Complete(conn, &wire.Response{CorrelationID: reqs[i].CorrelationID, Success: true}) {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if c.Complete(conn, &wire.Response{CorrelationID: reqs[i].CorrelationID, Success: true}) {
				wins.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		wins.Add(int64(c.FailConnection("a", ErrConnectionLost)))
	}()
	wg.Wait()

	for _, fut := range futures {
		_, err := waitFuture(t, fut)
		if err != nil {
			assert.True(t, errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTimeout), err)
		}
	}
	require.Zero(t, c.Pending())
	require.LessOrEqual(t, wins.Load(), int64(n))
}

func TestCorrelatorClose(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	conn := newFakeSender("a")
	fut, err := c.Send(context.Background(), conn, &wire.Request{}, 0)
	require.NoError(t, err)

	c.Close()
	_, err = waitFuture(t, fut)
	require.ErrorIs(t, err, ErrClosed)

	_, err = c.Send(context.Background(), conn, &wire.Request{}, 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCorrelatorNotify(t *testing.T) {
	c := NewCorrelator(time.Minute, nil)
	conn := newFakeSender("a")
	req := &wire.Request{Method: 7}
	require.NoError(t, c.Notify(conn, req))
	require.True(t, req.OneWay)
	require.Zero(t, c.Pending())
	require.Len(t, conn.messages(), 1)
}
