// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/grainrpc/wire"
)

func openTestStream(t *testing.T, m *StreamManager, conn *fakeSender) *Stream {
	t.Helper()
	req := &wire.StreamRequest{Grain: wire.GrainID{Type: "Counter", Key: "c"}, Method: 1}
	s, err := m.Open(context.Background(), conn, req)
	require.NoError(t, err)
	require.Equal(t, req.StreamID, s.ID())
	return s
}

func value(id uint32, v string) *wire.StreamItem {
	return &wire.StreamItem{StreamID: id, Status: wire.ItemValue, Payload: []byte(v)}
}

func TestStreamDeliversInOrder(t *testing.T) {
	m := NewStreamManager(nil)
	conn := newFakeSender("a")
	s := openTestStream(t, m, conn)

	for i := 1; i <= 3; i++ {
		require.True(t, m.Deliver(conn, value(s.ID(), strconv.Itoa(i))))
	}
	require.True(t, m.Deliver(conn, &wire.StreamItem{StreamID: s.ID(), Status: wire.ItemCompleted}))
	require.Zero(t, m.Active())

	ctx := context.Background()
	for _, want := range []string{"1", "2", "3"} {
		item, err := s.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(item))
	}
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, StreamCompleted, s.State())
}

func TestStreamCancel(t *testing.T) {
	m := NewStreamManager(nil)
	conn := newFakeSender("a")
	s := openTestStream(t, m, conn)
	ctx := context.Background()

	m.Deliver(conn, value(s.ID(), "1"))
	m.Deliver(conn, value(s.ID(), "2"))
	for range 2 {
		_, err := s.Next(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, s.Cancel())
	require.NoError(t, s.Cancel())
	sent := conn.messages()
	require.Len(t, sent, 2)
	require.Equal(t, &wire.StreamCancel{StreamID: s.ID()}, sent[1])

	require.False(t, m.Deliver(conn, value(s.ID(), "3")))
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, StreamCancelled, s.State())
}

func TestStreamFailure(t *testing.T) {
	m := NewStreamManager(nil)
	conn := newFakeSender("a")
	s := openTestStream(t, m, conn)

	m.Deliver(conn, value(s.ID(), "1"))
	m.Deliver(conn, &wire.StreamItem{StreamID: s.ID(), Status: wire.ItemFailed, Error: "grain crashed"})

	item, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", string(item))
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrApplication)
	require.ErrorContains(t, err, "grain crashed")
}

func TestStreamConnectionLost(t *testing.T) {
	m := NewStreamManager(nil)
	a, b := newFakeSender("a"), newFakeSender("b")
	sa := openTestStream(t, m, a)
	sb := openTestStream(t, m, b)

	m.Deliver(a, value(sa.ID(), "buffered"))
	require.Equal(t, 1, m.FailConnection("a", ErrConnectionLost))
	require.Equal(t, 1, m.Active())

	item, err := sa.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "buffered", string(item))
	_, err = sa.Next(context.Background())
	require.ErrorIs(t, err, ErrConnectionLost)
	require.Equal(t, StreamActive, sb.State())
}

func TestStreamIgnoresForeignConnection(t *testing.T) {
	m := NewStreamManager(nil)
	a, b := newFakeSender("a"), newFakeSender("b")
	s := openTestStream(t, m, a)

	require.False(t, m.Deliver(b, value(s.ID(), "spoofed")))
	require.False(t, m.Deliver(a, value(s.ID()+1, "unknown")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestStreamNextWakes(t *testing.T) {
	m := NewStreamManager(nil)
	conn := newFakeSender("a")
	s := openTestStream(t, m, conn)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Deliver(conn, value(s.ID(), "late"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	item, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "late", string(item))
}

func TestStreamAllBreakCancels(t *testing.T) {
	m := NewStreamManager(nil)
	conn := newFakeSender("a")
	s := openTestStream(t, m, conn)
	for i := range 5 {
		m.Deliver(conn, value(s.ID(), strconv.Itoa(i)))
	}

	var got []string
	for item, err := range s.All(context.Background()) {
		require.NoError(t, err)
		got = append(got, string(item))
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []string{"0", "1"}, got)
	require.Equal(t, StreamCancelled, s.State())
	require.IsType(t, &wire.StreamCancel{}, conn.messages()[1])
}

func TestTypedStream(t *testing.T) {
	m := NewStreamManager(nil)
	conn := newFakeSender("a")
	s := openTestStream(t, m, conn)
	for _, v := range []string{"1", "2", "3"} {
		m.Deliver(conn, value(s.ID(), v))
	}
	m.Deliver(conn, &wire.StreamItem{StreamID: s.ID(), Status: wire.ItemCompleted})

	var got []int
	for v, err := range StreamOf[int](s, nil).All(context.Background()) {
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestStreamManagerClose(t *testing.T) {
	m := NewStreamManager(nil)
	conn := newFakeSender("a")
	s := openTestStream(t, m, conn)

	m.Close()
	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	_, err = m.Open(context.Background(), conn, &wire.StreamRequest{})
	require.ErrorIs(t, err, ErrClosed)
}
