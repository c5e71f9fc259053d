// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 5 * time.Second

func nextEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(testWait)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "events closed while waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
			require.NotEqual(t, EventDisconnected, ev.Kind, "disconnected while waiting for %s: %v", kind, ev.Err)
		case <-timeout:
			require.FailNow(t, "timed out waiting for event", kind.String())
		}
	}
}

// drain waits for the events channel to close and returns the last event.
func drain(t *testing.T, events <-chan Event) Event {
	t.Helper()
	timeout := time.After(testWait)
	var last Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return last
			}
			last = ev
		case <-timeout:
			require.FailNow(t, "events never closed")
		}
	}
}

func exerciseLink(t *testing.T, l Listener, c Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	require.ErrorIs(t, c.Send([]byte("early"), true), ErrNotConnected)
	require.NoError(t, c.Connect(ctx, l.Addr()))
	require.ErrorIs(t, c.Connect(ctx, l.Addr()), ErrAlreadyStarted)

	peer, err := l.Accept(ctx)
	require.NoError(t, err)
	nextEvent(t, c.Events(), EventConnected)
	nextEvent(t, peer.Events(), EventConnected)

	require.NoError(t, c.Send([]byte("ping"), true))
	ev := nextEvent(t, peer.Events(), EventData)
	assert.Equal(t, []byte("ping"), ev.Data)

	require.NoError(t, peer.Send([]byte("pong"), true))
	ev = nextEvent(t, c.Events(), EventData)
	assert.Equal(t, []byte("pong"), ev.Data)

	assert.True(t, c.Stats().Connected)
	assert.NotZero(t, c.Stats().PacketsSent)
	assert.NotZero(t, peer.Stats().PacketsReceived)
	assert.NotEmpty(t, c.RemoteAddr())

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Send([]byte("late"), true), ErrClosed)
	assert.False(t, c.Stats().Connected)

	last := drain(t, peer.Events())
	assert.Equal(t, EventDisconnected, last.Kind)
	require.NoError(t, peer.Close())
}

func TestSimLink(t *testing.T) {
	n := NewSimNetwork()
	l, err := n.Listen("", Options{})
	require.NoError(t, err)
	defer l.Close()

	exerciseLink(t, l, n.NewTransport(Options{}))
	assert.Equal(t, simCaps, n.NewTransport(Options{}).Capabilities())
}

func TestSimRemoteCloseReason(t *testing.T) {
	n := NewSimNetwork()
	l, err := n.Listen("zone-a", Options{})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	c := n.NewTransport(Options{})
	require.NoError(t, c.Connect(ctx, "zone-a"))
	peer, err := l.Accept(ctx)
	require.NoError(t, err)

	require.NoError(t, peer.Close())
	last := drain(t, c.Events())
	assert.Equal(t, EventDisconnected, last.Kind)
	assert.ErrorIs(t, last.Err, ErrRemoteClosed)
}

func TestSimListenErrors(t *testing.T) {
	n := NewSimNetwork()
	l, err := n.Listen("a", Options{})
	require.NoError(t, err)

	_, err = n.Listen("a", Options{})
	require.ErrorIs(t, err, ErrAddrInUse)

	err = n.NewTransport(Options{}).Connect(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNoListener)

	require.NoError(t, l.Close())
	_, err = l.Accept(context.Background())
	require.ErrorIs(t, err, ErrListenerClosed)
}

func TestCloseBeforeConnect(t *testing.T) {
	c := NewSimNetwork().NewTransport(Options{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, ok := <-c.Events()
	assert.False(t, ok)
	require.ErrorIs(t, c.Connect(context.Background(), "x"), ErrClosed)
}

func TestUDPLink(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer l.Close()

	c := NewUDP(Options{})
	assert.False(t, c.Capabilities().Reliable)
	exerciseLink(t, l, c)
}

func TestUDPListenerDropsUnknownPeers(t *testing.T) {
	l, err := ListenUDP("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer l.Close()

	raddr, err := net.ResolveUDPAddr("udp", l.Addr())
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(sealDatagram(linkPacket(kindData, []byte("stray"))))
	require.NoError(t, err)
	_, err = conn.Write([]byte("not even ours"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.Dropped() >= 2 }, testWait, time.Millisecond)
}

func TestUDPConnectTimeout(t *testing.T) {
	// A socket that swallows connect packets and never accepts.
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	c := NewUDP(Options{})
	err = c.Connect(ctx, sink.LocalAddr().String())
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.ErrorIs(t, c.Send([]byte("x"), false), ErrClosed)
}

func TestUDPIdleTimeoutDuringConnect(t *testing.T) {
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()

	c := NewUDP(Options{IdleTimeout: 50 * time.Millisecond})
	err = c.Connect(context.Background(), sink.LocalAddr().String())
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.ErrorIs(t, err, ErrIdleTimeout)
}

func TestKCPLink(t *testing.T) {
	l, err := ListenKCP("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer l.Close()

	c := NewKCP(Options{})
	assert.True(t, c.Capabilities().Ordered)
	exerciseLink(t, l, c)
}

func TestKCPLinkSurvivesIdlePolls(t *testing.T) {
	l, err := ListenKCP("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	c := NewKCP(Options{})
	defer c.Close()
	require.NoError(t, c.Connect(ctx, l.Addr()))
	peer, err := l.Accept(ctx)
	require.NoError(t, err)
	defer peer.Close()
	nextEvent(t, c.Events(), EventConnected)
	nextEvent(t, peer.Events(), EventConnected)

	// Many empty read deadlines pass on both ends.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, c.Stats().Connected)
	assert.True(t, peer.Stats().Connected)

	require.NoError(t, c.Send([]byte("after idle"), true))
	ev := nextEvent(t, peer.Events(), EventData)
	assert.Equal(t, []byte("after idle"), ev.Data)
}

func TestKCPTimedOut(t *testing.T) {
	past := time.Now().Add(-time.Millisecond)
	future := time.Now().Add(time.Hour)
	assert.True(t, kcpTimedOut(errors.New("timeout"), past))
	assert.False(t, kcpTimedOut(errors.New("timeout"), future))
	assert.True(t, kcpTimedOut(os.ErrDeadlineExceeded, future))
	assert.False(t, kcpTimedOut(io.ErrClosedPipe, past))
}

func TestGRPCLink(t *testing.T) {
	l, err := ListenGRPC("127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer l.Close()

	exerciseLink(t, l, NewGRPC(Options{}))
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{GRPC, KCP, Sim, UDP}, Available())
	assert.True(t, Has(Sim))

	tr, err := New(Sim, Options{})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = New("carrier-pigeon", Options{})
	require.Error(t, err)
	_, err = Listen("carrier-pigeon", "", Options{})
	require.Error(t, err)
}
