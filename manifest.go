// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/luxfi/grainrpc/wire"
)

// ManifestProvider resolves interface names to grain types from the
// manifests servers announce.
type ManifestProvider interface {
	ResolveGrainType(iface string) (string, error)
	MergeManifest(serverID string, m wire.Manifest)
	RemoveManifest(serverID string)
}

// ManifestTable is the default ManifestProvider. Lookups are served from an
// index rebuilt whenever a manifest is merged or removed.
type ManifestTable struct {
	mu        sync.RWMutex
	manifests map[string]wire.Manifest
	// ifaceToGrain and hosts are rebuilt from manifests.
	ifaceToGrain map[string]string
	hosts        map[string][]string
}

func NewManifestTable() *ManifestTable {
	return &ManifestTable{
		manifests:    make(map[string]wire.Manifest),
		ifaceToGrain: make(map[string]string),
		hosts:        make(map[string][]string),
	}
}

func (t *ManifestTable) MergeManifest(serverID string, m wire.Manifest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manifests[serverID] = m.Clone()
	t.rebuild()
}

func (t *ManifestTable) RemoveManifest(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.manifests[serverID]; !ok {
		return
	}
	delete(t.manifests, serverID)
	t.rebuild()
}

// rebuild walks servers in id order so conflicting interface mappings
// resolve the same way every time.
func (t *ManifestTable) rebuild() {
	ifaces := make(map[string]string)
	hosts := make(map[string][]string)
	for _, id := range slices.Sorted(maps.Keys(t.manifests)) {
		m := t.manifests[id]
		for iface, grain := range m.InterfaceToGrain {
			if _, ok := ifaces[iface]; !ok {
				ifaces[iface] = grain
			}
		}
		grains := make(map[string]struct{}, len(m.GrainProperties)+len(m.InterfaceToGrain))
		for grain := range m.GrainProperties {
			grains[grain] = struct{}{}
		}
		for _, grain := range m.InterfaceToGrain {
			grains[grain] = struct{}{}
		}
		for grain := range grains {
			hosts[grain] = append(hosts[grain], id)
		}
	}
	t.ifaceToGrain = ifaces
	t.hosts = hosts
}

// ResolveGrainType returns the grain type implementing iface.
func (t *ManifestTable) ResolveGrainType(iface string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	grain, ok := t.ifaceToGrain[iface]
	if !ok {
		return "", fmt.Errorf("%w: interface %q", ErrGrainTypeNotFound, iface)
	}
	return grain, nil
}

// ServersHosting returns the ids of servers whose manifest names grainType,
// in id order.
func (t *ManifestTable) ServersHosting(grainType string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.hosts[grainType])
}

// GrainProperties returns the merged properties of grainType, later servers
// in id order overriding earlier ones.
func (t *ManifestTable) GrainProperties(grainType string) map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string)
	for _, id := range slices.Sorted(maps.Keys(t.manifests)) {
		maps.Copy(out, t.manifests[id].GrainProperties[grainType])
	}
	return out
}

// Servers returns the ids with a merged manifest.
func (t *ManifestTable) Servers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.manifests))
}
