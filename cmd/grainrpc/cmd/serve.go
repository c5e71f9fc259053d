// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/grainrpc"
	"github.com/luxfi/grainrpc/wire"
)

// Built-in "Echo" grain hosted by serve.
const (
	EchoGrain         = "Echo"
	EchoMethodEcho    = uint32(1)
	EchoMethodCount   = uint32(2)
	EchoMethodWhoAmI  = uint32(3)
	echoCountInterval = 100 * time.Millisecond
)

var (
	serveID     string
	serveListen string
	serveAdmin  string
	serveZones  []string
	servePrim   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the built-in Echo grain",
	Long: `Serve listens with the configured transport and hosts the Echo grain:
method 1 echoes its arguments, method 2 streams a count up to the number
given as arguments and method 3 answers with the server id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveID != "" {
			cfg.ServerID = serveID
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		if serveAdmin != "" {
			cfg.AdminAddr = serveAdmin
		}
		if cmd.Flags().Changed("zones") {
			cfg.Zones = serveZones
		}
		if cmd.Flags().Changed("primary") {
			cfg.Primary = servePrim
		}

		srv, err := grainrpc.ListenConfig(cfg, grainrpc.WithServerLogger(logger("server")))
		if err != nil {
			return err
		}
		defer srv.Close()
		if err := registerEcho(srv); err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Serve(ctx) })
		if cfg.AdminAddr != "" {
			admin, err := grainrpc.ListenAdmin(cfg.AdminAddr, &grainrpc.AdminService{Server: srv})
			if err != nil {
				return err
			}
			defer admin.Close()
			g.Go(func() error { return admin.Serve(ctx) })
		}
		fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s (%s)\n", srv.ID(), srv.Addr(), cfg.Transport)
		return ignoreCancel(g.Wait())
	},
}

func registerEcho(srv *grainrpc.Server) error {
	err := srv.RegisterMethod(EchoGrain, EchoMethodEcho, func(_ context.Context, _ wire.GrainID, args []byte) ([]byte, error) {
		return args, nil
	})
	if err != nil {
		return err
	}
	id := fmt.Sprintf("%q", srv.ID())
	err = srv.RegisterMethod(EchoGrain, EchoMethodWhoAmI, func(context.Context, wire.GrainID, []byte) ([]byte, error) {
		return []byte(id), nil
	})
	if err != nil {
		return err
	}
	return srv.RegisterStream(EchoGrain, EchoMethodCount, func(ctx context.Context, _ wire.GrainID, args []byte, emit func([]byte) error) error {
		var n int
		if len(args) > 0 {
			if _, err := fmt.Sscan(string(args), &n); err != nil {
				return fmt.Errorf("count: %w", err)
			}
		}
		ticker := time.NewTicker(echoCountInterval)
		defer ticker.Stop()
		for i := 1; i <= n; i++ {
			if err := emit([]byte(fmt.Sprint(i))); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		return nil
	})
}

func init() {
	serveCmd.Flags().StringVar(&serveID, "id", "", "server id announced to clients (overrides server_id)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides listen)")
	serveCmd.Flags().StringVar(&serveAdmin, "admin", "", "admin JSON-RPC and metrics address (overrides admin_addr)")
	serveCmd.Flags().StringSliceVar(&serveZones, "zones", nil, "zones owned by this server, e.g. 0:0,0:1")
	serveCmd.Flags().BoolVar(&servePrim, "primary", false, "announce as the clients' primary server")
	rootCmd.AddCommand(serveCmd)
}
