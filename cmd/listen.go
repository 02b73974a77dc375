// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/operator"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print responses, notifications and data from the bus",
	Long: `Subscribe to the master and data subjects and print every message.

With --tui an interactive view is shown instead:
  - Node list, seeded from a running gateway's commander socket when reachable
  - Mode changes for the selected node
  - Periodic gateway pings
  - Response, notification and data counters
  - Event logging

Tab switches between the node list and the mode input. Arrow keys navigate the
node list. Enter in the mode input sends the mode to the selected node.`,
	RunE: runListen,
}

var listenTUI bool

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().BoolVar(&listenTUI, "tui", false, "Use terminal UI")
}

func runListen(cmd *cobra.Command, args []string) error {
	if listenTUI {
		return runListenTUI()
	}

	ctx, stop := signalContext()
	defer stop()

	s, err := openOperator(ctx, "", func(ev operator.Event) {
		fmt.Print(operator.FormatEvent(ev))
	})
	if err != nil {
		return err
	}
	defer s.Close()

	topics := conf.Topics()
	fmt.Printf("Buoygate - Bus Listener\n")
	fmt.Printf("Bus: %s\n", conf.Bus.URL)
	fmt.Printf("Subjects: %s, %s\n", topics.Master, topics.Data)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	<-ctx.Done()
	return nil
}
