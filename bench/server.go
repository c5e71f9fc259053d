// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bench

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/transport"
)

// EchoServer answers every BNCH frame with its Response on the same link.
type EchoServer struct {
	ln  transport.Listener
	log *logrus.Entry

	wg       sync.WaitGroup
	echoed   atomic.Uint64
	rejected atomic.Uint64
}

func NewEchoServer(ln transport.Listener, log *logrus.Entry) *EchoServer {
	if log == nil {
		log = logrus.WithField("component", "bench")
	}
	return &EchoServer{ln: ln, log: log}
}

// Serve accepts links until ctx ends or the listener closes, then waits for
// open links to finish.
func (s *EchoServer) Serve(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		t, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.echo(ctx, t)
		}()
	}
}

func (s *EchoServer) echo(ctx context.Context, t transport.Transport) {
	defer t.Close()
	log := s.log.WithField("remote", t.RemoteAddr())
	log.Debug("bench link up")
	reliable := t.Capabilities().Reliable
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.Events():
			if !ok {
				log.Debug("bench link down")
				return
			}
			if ev.Kind != transport.EventData {
				continue
			}
			f, err := Parse(ev.Data)
			if err != nil {
				s.rejected.Add(1)
				log.WithError(err).Debug("rejecting frame")
				continue
			}
			if err := t.Send(Encode(Response(f)), reliable); err != nil {
				log.WithError(err).Warn("echo send failed")
				continue
			}
			s.echoed.Add(1)
		}
	}
}

// Echoed returns the number of frames answered.
func (s *EchoServer) Echoed() uint64 { return s.echoed.Load() }

// Rejected returns the number of inbound payloads that were not valid frames.
func (s *EchoServer) Rejected() uint64 { return s.rejected.Load() }
