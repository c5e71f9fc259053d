// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/wire"
)

type StreamState int32

const (
	StreamActive StreamState = iota
	StreamCancelled
	StreamCompleted
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamActive:
		return "active"
	case StreamCancelled:
		return "cancelled"
	case StreamCompleted:
		return "completed"
	case StreamFailed:
		return "failed"
	default:
		return fmt.Sprintf("stream_state(%d)", int32(s))
	}
}

// Stream is a lazy, non-restartable sequence of items pushed by a server.
// Items are buffered in arrival order until consumed.
type Stream struct {
	id   uint32
	conn sender
	mgr  *StreamManager

	mu    sync.Mutex
	state StreamState
	items [][]byte
	err   error

	signal chan struct{}
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next returns the next item. It returns io.EOF after the server completed
// the stream, an *ApplicationError after the server failed it and
// ErrConnectionLost when the connection closed; items buffered before the
// end are returned first. After Cancel it returns ErrCancelled.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			item := s.items[0]
			s.items[0] = nil
			s.items = s.items[1:]
			s.mu.Unlock()
			return item, nil
		}
		if s.state != StreamActive {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, contextError(ctx)
		}
	}
}

// All ranges over the remaining items. Breaking out of the loop cancels the
// stream. Completion ends the range without yielding an error.
func (s *Stream) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			item, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				_ = s.Cancel()
				return
			}
		}
	}
}

// Cancel stops the stream: buffered items are discarded, the server is sent
// a StreamCancel and later items for this id are dropped.
func (s *Stream) Cancel() error {
	s.mu.Lock()
	if s.state != StreamActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamCancelled
	s.err = ErrCancelled
	s.items = nil
	s.mu.Unlock()
	s.wake()

	s.mgr.remove(s.id)
	return s.conn.Send(&wire.StreamCancel{StreamID: s.id})
}

func (s *Stream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// push applies one item and reports whether the stream reached a terminal
// state.
func (s *Stream) push(item *wire.StreamItem) bool {
	s.mu.Lock()
	defer s.wake()
	defer s.mu.Unlock()
	if s.state != StreamActive {
		recordStreamItem("discarded")
		return true
	}
	switch item.Status {
	case wire.ItemValue:
		s.items = append(s.items, item.Payload)
		recordStreamItem("buffered")
		return false
	case wire.ItemCompleted:
		s.state = StreamCompleted
		s.err = io.EOF
	default:
		s.state = StreamFailed
		s.err = &ApplicationError{Message: item.Error}
	}
	return true
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.state == StreamActive {
		s.state = StreamFailed
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

// StreamManager tracks open streams by id.
type StreamManager struct {
	log    *logrus.Entry
	nextID atomic.Uint32

	mu      sync.Mutex
	streams map[uint32]*Stream
	closed  bool
}

func NewStreamManager(log *logrus.Entry) *StreamManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StreamManager{
		log:     log.WithField("component", "streams"),
		streams: make(map[uint32]*Stream),
	}
}

// Open registers a stream for req and sends it on conn.
func (m *StreamManager) Open(ctx context.Context, conn sender, req *wire.StreamRequest) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx)
	}
	id := m.nextID.Add(1)
	for id == 0 {
		id = m.nextID.Add(1)
	}
	req.StreamID = id
	s := &Stream{
		id:     id,
		conn:   conn,
		mgr:    m,
		signal: make(chan struct{}, 1),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.streams[id] = s
	m.mu.Unlock()

	if err := conn.Send(req); err != nil {
		m.remove(id)
		return nil, err
	}
	return s, nil
}

// Deliver routes item to its stream. Items for unknown or cancelled streams,
// or from a connection the stream was not opened on, are dropped.
func (m *StreamManager) Deliver(conn sender, item *wire.StreamItem) bool {
	m.mu.Lock()
	s, ok := m.streams[item.StreamID]
	m.mu.Unlock()
	if !ok || s.conn.ID() != conn.ID() {
		recordStreamItem("discarded")
		m.log.WithField("stream", item.StreamID).Debug("dropping item for unknown stream")
		return false
	}
	if s.push(item) {
		m.remove(item.StreamID)
	}
	return true
}

// FailConnection ends every stream opened on connID with err.
func (m *StreamManager) FailConnection(connID string, err error) int {
	m.mu.Lock()
	var failed []*Stream
	for id, s := range m.streams {
		if s.conn.ID() == connID {
			failed = append(failed, s)
			delete(m.streams, id)
		}
	}
	m.mu.Unlock()
	for _, s := range failed {
		s.fail(err)
	}
	return len(failed)
}

// Active returns the number of open streams.
func (m *StreamManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *StreamManager) remove(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// Close fails every open stream with ErrClosed.
func (m *StreamManager) Close() {
	m.mu.Lock()
	m.closed = true
	streams := m.streams
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()
	for _, s := range streams {
		s.fail(ErrClosed)
	}
}

// TypedStream decodes the items of a Stream into T.
type TypedStream[T any] struct {
	s     *Stream
	codec Codec
}

// StreamOf wraps s so items are decoded with codec, JSON when nil.
func StreamOf[T any](s *Stream, codec Codec) *TypedStream[T] {
	if codec == nil {
		codec = defaultCodec
	}
	return &TypedStream[T]{s: s, codec: codec}
}

func (t *TypedStream[T]) Next(ctx context.Context) (T, error) {
	var v T
	item, err := t.s.Next(ctx)
	if err != nil {
		return v, err
	}
	if err := t.codec.Decode(item, &v); err != nil {
		return v, fmt.Errorf("decode stream item: %w", err)
	}
	return v, nil
}

func (t *TypedStream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for item, err := range t.s.All(ctx) {
			var v T
			if err == nil {
				if derr := t.codec.Decode(item, &v); derr != nil {
					err = fmt.Errorf("decode stream item: %w", derr)
				}
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

func (t *TypedStream[T]) Cancel() error { return t.s.Cancel() }

// Stream returns the underlying byte stream.
func (t *TypedStream[T]) Stream() *Stream { return t.s }
