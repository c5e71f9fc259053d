// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/grainrpc/wire"
)

func TestManifestTable(t *testing.T) {
	table := NewManifestTable()
	_, err := table.ResolveGrainType("IPlayer")
	require.ErrorIs(t, err, ErrGrainTypeNotFound)

	table.MergeManifest("zone-b", wire.Manifest{
		GrainProperties:  map[string]map[string]string{"Player": {"placement": "zone", "version": "2"}},
		InterfaceToGrain: map[string]string{"IPlayer": "PlayerV2", "IChat": "Chat"},
	})
	table.MergeManifest("zone-a", wire.Manifest{
		GrainProperties:  map[string]map[string]string{"Player": {"version": "1"}},
		InterfaceToGrain: map[string]string{"IPlayer": "Player"},
	})

	// Conflicts resolve by server id order, never by merge order.
	grain, err := table.ResolveGrainType("IPlayer")
	require.NoError(t, err)
	require.Equal(t, "Player", grain)

	grain, err = table.ResolveGrainType("IChat")
	require.NoError(t, err)
	require.Equal(t, "Chat", grain)

	require.Equal(t, []string{"zone-a", "zone-b"}, table.ServersHosting("Player"))
	require.Equal(t, []string{"zone-b"}, table.ServersHosting("Chat"))
	require.Equal(t, map[string]string{"placement": "zone", "version": "2"}, table.GrainProperties("Player"))
	require.Equal(t, []string{"zone-a", "zone-b"}, table.Servers())

	table.RemoveManifest("zone-a")
	grain, err = table.ResolveGrainType("IPlayer")
	require.NoError(t, err)
	require.Equal(t, "PlayerV2", grain)
	require.Equal(t, []string{"zone-b"}, table.ServersHosting("Player"))

	table.RemoveManifest("zone-b")
	table.RemoveManifest("zone-b")
	_, err = table.ResolveGrainType("IChat")
	require.ErrorIs(t, err, ErrGrainTypeNotFound)
	require.Empty(t, table.Servers())
}

func TestManifestTableCopiesInput(t *testing.T) {
	table := NewManifestTable()
	m := wire.Manifest{InterfaceToGrain: map[string]string{"IPlayer": "Player"}}
	table.MergeManifest("a", m)
	m.InterfaceToGrain["IPlayer"] = "Mutated"

	grain, err := table.ResolveGrainType("IPlayer")
	require.NoError(t, err)
	require.Equal(t, "Player", grain)
}
