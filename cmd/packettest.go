// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/framer"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet-test",
	Short: "Test connection by waiting for a valid transaction",
	Long: `Wait for a valid transaction on the connection until timeout.

This command connects to a serial port, WebSocket or TCP address and waits for
a complete transaction that passes the configured verification. Line noise and
transactions that fail verification are skipped.

Exit codes:
  0 - Transaction received before timeout
  1 - Timeout reached without receiving a valid transaction
  2 - Connection error

Useful for testing a radio link before starting the gateway.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a transaction")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Buoygate - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid transaction...\n\n")

	framing := conf.ProtocolFraming()
	verifier := conf.Verifier()
	if verifier == nil {
		verifier = protocol.AcceptAll{}
	}
	txChan := make(chan string, 1)
	errChan := make(chan error, 1)

	var invalid atomic.Int64
	f, err := framer.New(connInfo, framer.Options{
		Start:     framing.Start,
		Stop:      framing.Stop,
		MaxBuffer: conf.Framing.MaxBuffer,
		Logger:    logger,
	}, func(_, tx string) {
		if ok, _ := verifier.Verify(tx); !ok {
			invalid.Add(1)
			return
		}
		select {
		case txChan <- tx:
		default:
		}
	})
	if err != nil {
		return err
	}

	// Reader goroutine
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				f.Write(buf[:n])
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	select {
	case tx := <-txChan:
		if n := invalid.Load(); n > 0 {
			fmt.Printf("(skipped %d invalid transactions)\n", n)
		}
		fmt.Printf("SUCCESS: Received valid transaction\n")
		fmt.Printf("  Length: %d bytes\n", len(tx))
		fmt.Print(protocol.FormatTransaction(tx, framing))
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid transaction received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
