// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/luxfi/grainrpc"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "grainrpc.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := grainrpc.WriteTemplate(path, configForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate --config and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "transport: %s (available: %s)\n", cfg.Transport, strings.Join(grainrpc.AvailableTransports(), ", "))
		fmt.Fprintf(out, "servers:   %d\n", len(cfg.Servers))
		fmt.Fprintf(out, "call:      %s\n", cfg.Timeouts.Call())
		fmt.Fprintf(out, "emulator:  %t\n", cfg.Emulator.Enabled)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
