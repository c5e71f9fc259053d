// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cmd implements the grainrpc command line.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luxfi/grainrpc"
	"github.com/luxfi/grainrpc/internal/logging"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "grainrpc",
	Short: "Grain RPC over low-latency UDP transports",
	Long: `grainrpc serves and calls virtual actor (grain) methods over KCP, raw UDP
or a gRPC fallback, and benchmarks those transports under emulated loss,
latency and bandwidth caps.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text, json")
}

// loadConfig reads --config when given, defaults otherwise, and configures
// logging from it.
func loadConfig() (grainrpc.Config, error) {
	var (
		cfg grainrpc.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = grainrpc.LoadConfig(cfgFile)
	} else {
		cfg, err = grainrpc.ParseConfig(nil)
	}
	if err != nil {
		return grainrpc.Config{}, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return grainrpc.Config{}, err
	}
	return cfg, nil
}

func logger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
