// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/node"
)

var (
	simIdentifier string
	simFixed      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Act as a sensor buoy on a transport",
	Long: `Run the buoy protocol state machine against a transport.

The simulated node says HELLO, sends periodic DATA, retrieves its command
queue and answers MODE and CALIBRATE commands the way a deployed buoy does.
Point it at a gateway listener with --address, or at a serial line looped
back to one.

Readings are jittered around the calibration reference unless --fixed is set.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simIdentifier, "identifier", "", "Node identifier (default from config)")
	simulateCmd.Flags().BoolVar(&simFixed, "fixed", false, "Report calibration references without jitter")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if simIdentifier != "" {
		conf.Node.Identifier = simIdentifier
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	opts := conf.SimulatorOptions()
	opts.Logger = logger.With("node", conf.Node.Identifier)
	if simFixed {
		opts.Node.Sampler = node.FixedSampler{}
	}
	sim, err := node.NewSimulator(conn, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Buoygate - Node Simulator\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Node: %s\n", conf.Node.Identifier)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
