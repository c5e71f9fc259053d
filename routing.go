// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"math"
	"strconv"

	"github.com/luxfi/grainrpc/wire"
)

// Position is a point in world coordinates.
type Position struct {
	X, Y float64
}

// GrainDescriptor is what routing sees of a call target.
type GrainDescriptor struct {
	ID        wire.GrainID
	Interface string
	// Zone pins the grain to an explicit zone id. When empty the zone is
	// derived from Position.
	Zone     string
	Position *Position
}

// ZoneID formats the zone at cell coordinate (x, y).
func ZoneID(x, y int64) string {
	return strconv.FormatInt(x, 10) + ":" + strconv.FormatInt(y, 10)
}

// ZoneOf returns the id of the square cell of side cellSize containing p.
func ZoneOf(p Position, cellSize float64) string {
	if cellSize <= 0 {
		cellSize = 1
	}
	return ZoneID(int64(math.Floor(p.X/cellSize)), int64(math.Floor(p.Y/cellSize)))
}

// zoneFor resolves the zone of g, empty when it has none.
func zoneFor(g GrainDescriptor, cellSize float64) string {
	if g.Zone != "" {
		return g.Zone
	}
	if g.Position != nil {
		return ZoneOf(*g.Position, cellSize)
	}
	return ""
}

// RoutingStrategy names the server a call should go to. ok is false when
// the strategy has no opinion about grain.
type RoutingStrategy interface {
	SelectServer(grain GrainDescriptor) (serverID string, ok bool)
}

// RoutingFunc adapts a function to RoutingStrategy.
type RoutingFunc func(GrainDescriptor) (string, bool)

func (f RoutingFunc) SelectServer(g GrainDescriptor) (string, bool) { return f(g) }

// ZoneLookup maps a zone id to the server owning it.
type ZoneLookup interface {
	ServerForZone(zone string) (string, bool)
}

// StaticZones is a fixed zone to server table.
type StaticZones map[string]string

func (z StaticZones) ServerForZone(zone string) (string, bool) {
	id, ok := z[zone]
	return id, ok
}

// ZoneStrategy routes by the grain's zone. The zone is resolved on every
// call so a grain that moved is routed by its new position.
type ZoneStrategy struct {
	Zones    ZoneLookup
	CellSize float64
}

func (s ZoneStrategy) SelectServer(g GrainDescriptor) (string, bool) {
	if s.Zones == nil {
		return "", false
	}
	zone := zoneFor(g, s.CellSize)
	if zone == "" {
		return "", false
	}
	return s.Zones.ServerForZone(zone)
}

// ServiceStrategy sends an interface, or failing that a grain type, to a
// dedicated server.
type ServiceStrategy struct {
	Services map[string]string
}

func (s ServiceStrategy) SelectServer(g GrainDescriptor) (string, bool) {
	if g.Interface != "" {
		if id, ok := s.Services[g.Interface]; ok {
			return id, true
		}
	}
	id, ok := s.Services[g.ID.Type]
	return id, ok
}

// ManifestStrategy picks the first server whose manifest hosts the grain's
// type. When Available is set, servers it rejects are skipped.
type ManifestStrategy struct {
	Manifests *ManifestTable
	Available func(serverID string) bool
}

func (s ManifestStrategy) SelectServer(g GrainDescriptor) (string, bool) {
	if s.Manifests == nil {
		return "", false
	}
	grainType := g.ID.Type
	if grainType == "" && g.Interface != "" {
		resolved, err := s.Manifests.ResolveGrainType(g.Interface)
		if err != nil {
			return "", false
		}
		grainType = resolved
	}
	for _, id := range s.Manifests.ServersHosting(grainType) {
		if s.Available == nil || s.Available(id) {
			return id, true
		}
	}
	return "", false
}

// CompositeStrategy asks its strategies in order; the first match wins.
type CompositeStrategy []RoutingStrategy

func (c CompositeStrategy) SelectServer(g GrainDescriptor) (string, bool) {
	for _, s := range c {
		if id, ok := s.SelectServer(g); ok {
			return id, true
		}
	}
	return "", false
}
