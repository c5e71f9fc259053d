// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/grainrpc/transport"
)

func TestAdminService(t *testing.T) {
	simnet := transport.NewSimNetwork()
	srv := startServer(t, simnet, "zone-a", WithZones("0:0"))
	m := newTestClient(t, simnet)
	register(t, m, descFor("zone-a"))

	h, err := NewAdminHandler(&AdminService{Client: m, Server: srv})
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	defer ts.Close()
	ctx := context.Background()

	var servers ServersReply
	require.NoError(t, AdminCall(ctx, ts.URL, "Admin.Servers", nil, &servers))
	require.Len(t, servers.Servers, 1)
	require.Equal(t, "zone-a", servers.Servers[0].ID)
	require.Equal(t, []string{"0:0"}, servers.Servers[0].Zones)
	require.Equal(t, StateConnected.String(), servers.Servers[0].State)

	var stats StatsReply
	require.NoError(t, AdminCall(ctx, ts.URL, "Admin.Stats", nil, &stats))
	require.NotNil(t, stats.Client)
	require.Equal(t, "test-client", stats.Client.ClientID)
	require.Equal(t, 1, stats.Client.Servers)
	require.NotNil(t, stats.Server)
	require.Equal(t, "zone-a", stats.Server.ID)

	var removed RemoveReply
	require.Error(t, AdminCall(ctx, ts.URL, "Admin.Remove", &RemoveArgs{}, &removed))
	require.NoError(t, AdminCall(ctx, ts.URL, "Admin.Remove", &RemoveArgs{ID: "zone-a"}, &removed))
	require.True(t, removed.Removed)
	require.Empty(t, m.Servers())

	require.Error(t, AdminCall(ctx, ts.URL, "Admin.Missing", nil, &removed))

	resp, err := http.Get(ts.URL + MetricsPath)
	require.NoError(t, err)
	defer CleanlyCloseBody(resp.Body)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "grainrpc_client_pending_requests")
	require.Contains(t, string(body), "grainrpc_conn_open")
}

func TestAdminServiceWithoutClient(t *testing.T) {
	h, err := NewAdminHandler(&AdminService{})
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	defer ts.Close()

	var servers ServersReply
	err = AdminCall(context.Background(), ts.URL, "Admin.Servers", nil, &servers)
	require.ErrorContains(t, err, errNoClient.Error())

	var stats StatsReply
	require.NoError(t, AdminCall(context.Background(), ts.URL, "Admin.Stats", nil, &stats))
	require.Nil(t, stats.Client)
	require.Nil(t, stats.Server)
}

func TestAdminURL(t *testing.T) {
	u, err := AdminURL("127.0.0.1:7080")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:7080/rpc", u.String())

	u, err = AdminURL("https://admin.example:443/custom")
	require.NoError(t, err)
	require.Equal(t, "https://admin.example:443/custom", u.String())
	require.True(t, strings.HasSuffix(u.Path, "/custom"))
}
