// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/commander"
	"github.com/Thermoquad/buoygate/pkg/operator"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

var modeCmd = &cobra.Command{
	Use:   "mode <node> <live|maintenance|calibrate>",
	Short: "Change a node's mode over the bus",
	Long: `Publish a mode request to the node's subject and wait for its response.

The node only picks the request up when it next wakes, so the default wait is
the configured request timeout.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{protocol.ModeLive, protocol.ModeMaintenance, protocol.ModeCalibrate},
	RunE:      runMode,
}

func init() {
	rootCmd.AddCommand(modeCmd)
}

func runMode(cmd *cobra.Command, args []string) error {
	node, mode := args[0], args[1]
	switch mode {
	case protocol.ModeLive, protocol.ModeMaintenance, protocol.ModeCalibrate:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openOperator(ctx, node, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	tx := s.client.NewTxID()
	s.waiter.Expect(tx)
	defer s.waiter.Forget(tx)
	req := commander.Request{Request: commander.RequestMode, TxID: commander.TxID(tx), Mode: mode}
	if _, err := s.client.SendCommand(ctx, node, req); err != nil {
		return err
	}
	fmt.Printf("Sent mode %s to %s (tx_id %s), waiting...\n", mode, node, tx)

	waitCtx, cancel := context.WithTimeout(ctx, conf.Settings.RequestTimeout.D())
	defer cancel()
	resp, err := s.waiter.Wait(waitCtx, tx)
	if err != nil {
		return err
	}
	fmt.Print(operator.FormatEvent(operator.Event{Response: &resp}))
	return nil
}
