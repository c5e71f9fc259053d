// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/grainrpc"
)

func executeCommand(args ...string) (string, error) {
	// Flag values outlive a run; start every command from the defaults.
	cfgFile, logLevel, logFormat = "", "", ""
	callZone, callAtPos, callStream = "", false, false
	adminAddr, configForce = "", false

	buf := new(bytes.Buffer)
	root := RootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestConfigInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grainrpc.yaml")
	out, err := executeCommand("config", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, "wrote "+path)

	_, err = executeCommand("config", "init", path)
	require.Error(t, err)
	_, err = executeCommand("config", "init", "--force", path)
	require.NoError(t, err)

	out, err = executeCommand("config", "check", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "transport: kcp")
	require.Contains(t, out, "servers:   2")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("transport: carrier-pigeon\n"), 0o600))
	_, err = executeCommand("config", "check", "--config", bad)
	require.ErrorIs(t, err, grainrpc.ErrInvalidConfig)
}

// startEcho hosts the Echo grain on the in-memory sim backend.
func startEcho(t *testing.T, id string) *grainrpc.Server {
	t.Helper()
	srv, err := grainrpc.Listen(id+":7070",
		grainrpc.WithServerTransport(grainrpc.TransportSim),
		grainrpc.WithServerID(id),
	)
	require.NoError(t, err)
	require.NoError(t, registerEcho(srv))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	return srv
}

func TestCallCommand(t *testing.T) {
	startEcho(t, "cli-a")
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport: sim
servers:
  - {id: cli-a, host: cli-a, port: 7070, primary: true}
log: {level: error}
`), 0o600))

	out, err := executeCommand("call", "--config", path, "Echo", "k", "1", `{"hello":"grain"}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"grain"}`, strings.TrimSpace(out))

	out, err = executeCommand("call", "--config", path, "Echo", "k", "3")
	require.NoError(t, err)
	require.Equal(t, `"cli-a"`, strings.TrimSpace(out))

	out, err = executeCommand("call", "--config", path, "--stream", "Echo", "k", "2", "3")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, strings.Fields(out))

	_, err = executeCommand("call", "--config", path, "Echo", "k", "404")
	require.ErrorIs(t, err, grainrpc.ErrApplication)

	_, err = executeCommand("call", "--config", path, "Echo", "k", "1", "{not json")
	require.Error(t, err)
}

func TestAdminCommands(t *testing.T) {
	srv := startEcho(t, "cli-admin")
	h, err := grainrpc.NewAdminHandler(&grainrpc.AdminService{Server: srv})
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	defer ts.Close()

	out, err := executeCommand("admin", "stats", "--addr", ts.URL)
	require.NoError(t, err)
	require.Contains(t, out, `"id": "cli-admin"`)

	_, err = executeCommand("admin", "servers", "--addr", ts.URL)
	require.Error(t, err, "a server-only admin endpoint has no client")
}
