// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/commander"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the bus by pinging the gateway",
	Long: `Publish ping requests on the nodes subject and wait for the status response.

The gateway answers every ping on the master subject with a status response
carrying the same tx_id. This is useful for verifying:
  - The bus is reachable
  - A gateway is subscribed to the nodes subject
  - Responses make it back to the operator

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openOperator(ctx, "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Buoygate - Bus Ping Test\n")
	fmt.Printf("Bus: %s\n", conf.Bus.URL)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		rtt, resp, err := pingOnce(ctx, s)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Printf("PONG from %s, tx_id=%s, rtt=%v\n", resp.Platform, resp.TxID, rtt.Round(time.Millisecond))
			successCount++
		}

		if ctx.Err() != nil {
			failCount += pingCount - i
			break
		}
		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

func pingOnce(ctx context.Context, s *operatorSession) (time.Duration, commander.Response, error) {
	tx := s.client.NewTxID()
	s.waiter.Expect(tx)
	defer s.waiter.Forget(tx)

	start := time.Now()
	if err := s.client.PingTx(ctx, tx); err != nil {
		return 0, commander.Response{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(pingTimeout)*time.Second)
	defer cancel()
	resp, err := s.waiter.Wait(waitCtx, tx)
	if err != nil {
		return 0, commander.Response{}, err
	}
	if resp.Response != commander.ResponseStatus {
		return 0, resp, fmt.Errorf("unexpected %s response", resp.Response)
	}
	return time.Since(start), resp, nil
}
