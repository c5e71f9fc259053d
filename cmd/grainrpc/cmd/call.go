// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/luxfi/grainrpc"
)

var (
	callZone   string
	callX      float64
	callY      float64
	callAtPos  bool
	callStream bool
)

var callCmd = &cobra.Command{
	Use:   "call <grain-type> <key> <method> [json-args]",
	Short: "Call a grain method on the configured servers",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		method, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("method %q: %w", args[2], err)
		}
		var payload []byte
		if len(args) == 4 {
			if !json.Valid([]byte(args[3])) {
				return fmt.Errorf("arguments are not valid JSON: %s", args[3])
			}
			payload = []byte(args[3])
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		client, err := grainrpc.Dial(ctx, cfg, grainrpc.WithLogger(logger("client")))
		if err != nil {
			return err
		}
		defer client.Close()

		ref := client.Ref(args[0], args[1])
		switch {
		case callZone != "":
			ref = ref.InZone(callZone)
		case callAtPos:
			ref = ref.AtPosition(callX, callY)
		}

		out := cmd.OutOrStdout()
		if callStream {
			return streamTo(ctx, out, ref, uint32(method), payload)
		}
		ctx, cancelCall := context.WithTimeout(ctx, cfg.Timeouts.Call())
		defer cancelCall()
		resp, err := ref.InvokeRaw(ctx, uint32(method), payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(resp))
		return nil
	},
}

func streamTo(ctx context.Context, out io.Writer, ref *grainrpc.GrainRef, method uint32, payload []byte) error {
	var args any
	if len(payload) > 0 {
		args = json.RawMessage(payload)
	}
	s, err := ref.Stream(ctx, method, args)
	if err != nil {
		return err
	}
	for {
		item, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(item))
	}
}

func init() {
	callCmd.Flags().StringVar(&callZone, "zone", "", "route by an explicit zone id")
	callCmd.Flags().Float64Var(&callX, "x", 0, "grain x position")
	callCmd.Flags().Float64Var(&callY, "y", 0, "grain y position")
	callCmd.Flags().BoolVar(&callAtPos, "at", false, "route by --x/--y")
	callCmd.Flags().BoolVar(&callStream, "stream", false, "open a stream and print every item")
	rootCmd.AddCommand(callCmd)
}
