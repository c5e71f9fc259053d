// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/grainrpc/emulator"
	"github.com/luxfi/grainrpc/transport"
	"github.com/luxfi/grainrpc/wire"
)

var (
	// ErrTransport wraps connect, send and socket failures. Unless the
	// wrapped error is temporary the connection is closed.
	ErrTransport = errors.New("grainrpc: transport error")

	// ErrMalformedMessage is wrapped by every decode failure.
	ErrMalformedMessage = wire.ErrMalformed

	ErrTimeout                = errors.New("grainrpc: request timed out")
	ErrCancelled              = errors.New("grainrpc: request cancelled")
	ErrConnectionLost         = errors.New("grainrpc: connection lost")
	ErrNoRouteAvailable       = errors.New("grainrpc: no route available")
	ErrServerUnavailable      = errors.New("grainrpc: server unavailable")
	ErrApplication            = errors.New("grainrpc: application error")
	ErrGrainTypeNotFound      = errors.New("grainrpc: grain type not found")
	ErrClosed                 = errors.New("grainrpc: closed")
	ErrServerAlreadyConnected = errors.New("grainrpc: server already connected")
	ErrServerIDMismatch       = errors.New("grainrpc: server id mismatch")
	ErrAlreadyRegistered      = errors.New("grainrpc: handler already registered")
)

// ApplicationError carries the message of a remote handler failure.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return "grainrpc: application error: " + e.Message
}

func (e *ApplicationError) Is(target error) bool {
	return target == ErrApplication
}

// contextError maps a finished caller context onto the call taxonomy.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// ErrorKind returns a stable label for err, used as a metrics dimension.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrNoRouteAvailable):
		return "no_route"
	case errors.Is(err, ErrServerUnavailable):
		return "server_unavailable"
	case errors.Is(err, ErrApplication):
		return "application"
	case errors.Is(err, ErrGrainTypeNotFound):
		return "grain_type_not_found"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, emulator.ErrPacketDropped):
		return "dropped"
	case errors.Is(err, emulator.ErrBandwidthExceeded):
		return "bandwidth_exceeded"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}

// IsTemporary reports whether err left the connection usable.
func IsTemporary(err error) bool {
	return transport.IsTemporary(err)
}
