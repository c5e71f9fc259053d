// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"

	"github.com/luxfi/grainrpc/wire"
)

// GrainFactory creates grain references.
type GrainFactory interface {
	CreateReference(grainType, key string) *GrainRef
}

var _ GrainFactory = (*Multiplexer)(nil)

// GrainRef addresses one grain through a Client. The With/At/In methods
// return modified copies; a GrainRef is safe for concurrent use.
type GrainRef struct {
	client Client
	codec  Codec
	desc   GrainDescriptor
}

// RefByInterface resolves iface to its grain type through the merged
// manifests and returns a reference bound to that interface.
func (m *Multiplexer) RefByInterface(iface, key string) (*GrainRef, error) {
	grainType, err := m.manifests.ResolveGrainType(iface)
	if err != nil {
		return nil, err
	}
	return m.CreateReference(grainType, key).WithInterface(iface), nil
}

func (r *GrainRef) ID() wire.GrainID { return r.desc.ID }

func (r *GrainRef) Descriptor() GrainDescriptor { return r.desc }

func (r *GrainRef) String() string { return r.desc.ID.String() }

func (r *GrainRef) WithInterface(iface string) *GrainRef {
	c := *r
	c.desc.Interface = iface
	return &c
}

// AtPosition routes subsequent calls by the zone containing (x, y).
func (r *GrainRef) AtPosition(x, y float64) *GrainRef {
	c := *r
	c.desc.Position = &Position{X: x, Y: y}
	c.desc.Zone = ""
	return &c
}

func (r *GrainRef) InZone(zone string) *GrainRef {
	c := *r
	c.desc.Zone = zone
	return &c
}

// Invoke calls method, encoding args and decoding the result into reply.
func (r *GrainRef) Invoke(ctx context.Context, method uint32, args, reply any) error {
	return r.client.Call(ctx, r.desc, method, args, reply)
}

func (r *GrainRef) InvokeRaw(ctx context.Context, method uint32, payload []byte) ([]byte, error) {
	return r.client.CallRaw(ctx, r.desc, method, payload)
}

func (r *GrainRef) Notify(ctx context.Context, method uint32, args any) error {
	return r.client.Notify(ctx, r.desc, method, args)
}

func (r *GrainRef) Stream(ctx context.Context, method uint32, args any) (*Stream, error) {
	return r.client.OpenStream(ctx, r.desc, method, args)
}

// StreamRef opens a stream on r and decodes its items into T with the
// reference's codec.
func StreamRef[T any](ctx context.Context, r *GrainRef, method uint32, args any) (*TypedStream[T], error) {
	s, err := r.Stream(ctx, method, args)
	if err != nil {
		return nil, err
	}
	return StreamOf[T](s, r.codec), nil
}
