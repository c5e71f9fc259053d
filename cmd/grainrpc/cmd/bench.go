// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/luxfi/grainrpc"
	"github.com/luxfi/grainrpc/bench"
	"github.com/luxfi/grainrpc/transport"
)

var benchCfg bench.Config

var benchListen string

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure transport round trips",
	Long: `Bench runs ping-pong clients against an echo server. The transport and
the emulator section of the config apply to the clients, so loss, latency
and bandwidth caps can be measured per backend.`,
}

var benchServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the echo server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		opts := cfg.TransportOptions()
		opts.Logger = logger("bench")
		ln, err := transport.Listen(cfg.Transport, benchListen, opts)
		if err != nil {
			return err
		}
		defer ln.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		srv := bench.NewEchoServer(ln, logger("bench"))
		fmt.Fprintf(cmd.OutOrStdout(), "echo server on %s (%s)\n", ln.Addr(), cfg.Transport)
		err = ignoreCancel(srv.Serve(ctx))
		fmt.Fprintf(cmd.OutOrStdout(), "echoed %d, rejected %d\n", srv.Echoed(), srv.Rejected())
		return err
	},
}

var benchRunCmd = &cobra.Command{
	Use:   "run <endpoint>",
	Short: "Run ping-pong clients against an echo server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		run := benchCfg
		run.Endpoint = args[0]
		if !cmd.Flags().Changed("reliable") {
			run.Reliable = cfg.IsReliable()
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		factory := grainrpc.NewTransportFactory(cfg, logger("bench"))
		report, err := bench.NewRunner(run, bench.Dialer(factory), logger("bench")).Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	benchServerCmd.Flags().StringVar(&benchListen, "listen", ":7090", "listen address")

	f := benchRunCmd.Flags()
	f.IntVar(&benchCfg.Clients, "clients", 1, "concurrent clients")
	f.IntVar(&benchCfg.Requests, "requests", 100, "requests per client")
	f.IntVar(&benchCfg.PayloadSize, "payload", 64, "payload bytes per request")
	f.DurationVar(&benchCfg.Timeout, "timeout", time.Second, "per-request timeout; unanswered requests count as lost")
	f.DurationVar(&benchCfg.Interval, "interval", 0, "pause between requests of one client")
	f.BoolVar(&benchCfg.Reliable, "reliable", true, "use the reliable channel (default from config)")

	benchCmd.AddCommand(benchServerCmd, benchRunCmd)
	rootCmd.AddCommand(benchCmd)
}
