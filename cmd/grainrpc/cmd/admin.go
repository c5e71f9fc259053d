// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luxfi/grainrpc"
)

var adminAddr string

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Query a running server's admin endpoint",
}

var adminServersCmd = &cobra.Command{
	Use:   "servers",
	Short: "List the servers a client multiplexes over",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := resolveAdmin()
		if err != nil {
			return err
		}
		var reply grainrpc.ServersReply
		if err := grainrpc.AdminCall(cmd.Context(), addr, "Admin.Servers", nil, &reply); err != nil {
			return fmt.Errorf("failed to list servers: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), reply.Servers)
	},
}

var adminStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show client and server statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := resolveAdmin()
		if err != nil {
			return err
		}
		var reply grainrpc.StatsReply
		if err := grainrpc.AdminCall(cmd.Context(), addr, "Admin.Stats", nil, &reply); err != nil {
			return fmt.Errorf("failed to read stats: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), reply)
	},
}

var adminRemoveCmd = &cobra.Command{
	Use:   "remove <server-id>",
	Short: "Deregister a server from the client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := resolveAdmin()
		if err != nil {
			return err
		}
		var reply grainrpc.RemoveReply
		if err := grainrpc.AdminCall(cmd.Context(), addr, "Admin.Remove", &grainrpc.RemoveArgs{ID: args[0]}, &reply); err != nil {
			return fmt.Errorf("failed to remove %s: %w", args[0], err)
		}
		if !reply.Removed {
			fmt.Fprintf(cmd.OutOrStdout(), "server %q was not registered\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "server %q removed\n", args[0])
		return nil
	},
}

func resolveAdmin() (string, error) {
	if adminAddr != "" {
		return adminAddr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.AdminAddr == "" {
		return "", errors.New("no admin address: set --addr or admin_addr")
	}
	return cfg.AdminAddr, nil
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminAddr, "addr", "", "admin address (default: admin_addr from config)")
	adminCmd.AddCommand(adminServersCmd, adminStatsCmd, adminRemoveCmd)
	rootCmd.AddCommand(adminCmd)
}
