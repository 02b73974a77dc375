// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/framer"
	"github.com/Thermoquad/buoygate/pkg/protocol"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw-log",
	Short: "Display framed transactions in human-readable format",
	Long: `Continuously frame and display transactions as they arrive.

Each transaction is shown with its arrival time, its verification result and
the decoded message. Nothing is acknowledged or stored, so this is safe to run
against a line a gateway is not using.

Supports serial, WebSocket and TCP connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial, WebSocket or TCP)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Buoygate - Raw Transaction Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	framing := conf.ProtocolFraming()
	verifier := conf.Verifier()
	f, err := framer.New(connInfo, framer.Options{
		Start:     framing.Start,
		Stop:      framing.Stop,
		MaxBuffer: conf.Framing.MaxBuffer,
		Logger:    logger,
	}, func(_, tx string) {
		fmt.Print(formatTransaction(time.Now(), tx, framing, verifier))
	})
	if err != nil {
		return err
	}

	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if conf.Settings.DropCarriageReturn {
				chunk = []byte(strings.ReplaceAll(string(chunk), "\r", ""))
			}
			if _, err := f.Write(chunk); err != nil {
				fmt.Printf("[ERROR] %v\n", err)
			}
		}
		if err != nil {
			// For WebSocket connections, a read error usually means
			// the connection is permanently closed - exit gracefully
			if errors.Is(err, transport.ErrConnectionClosed) {
				log.Printf("Connection closed")
				return nil
			}
			log.Printf("Read error: %v", err)
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// formatTransaction renders one framed transaction for the raw log.
func formatTransaction(at time.Time, tx string, framing protocol.Framing, v protocol.Verifier) string {
	var b strings.Builder
	status := "unverified"
	if v != nil {
		if ok, _ := v.Verify(tx); ok {
			status = "valid"
		} else {
			status = "INVALID"
		}
	}
	fmt.Fprintf(&b, "[%s] %d bytes, %s\n", at.Format("15:04:05.000"), len(tx), status)

	for _, line := range strings.Split(strings.TrimRight(protocol.FormatTransaction(tx, framing), "\n"), "\n") {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	return b.String()
}
