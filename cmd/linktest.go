// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/framer"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

var linkTestCmd = &cobra.Command{
	Use:   "link-test",
	Short: "Test link stability and transaction integrity",
	Long: `Hold a connection open and frame everything it delivers without
acknowledging anything.

Each transaction is checked against its length line and printed with its
size, verification result and verb. A summary of chunks, bytes and
transactions per verb is printed at the end. Useful for debugging radio links
or WebSocket bridges that drop or mangle data after a while.

Exit codes:
  0 - Test completed normally
  1 - Connection dropped during the test
  2 - Connection error`,
	RunE: runLinkTest,
}

var linkTestDuration int

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
}

// linkTally accumulates what a link test has seen. It is only touched from
// the goroutine that feeds the framer.
type linkTally struct {
	framing protocol.Framing
	verify  protocol.LengthVerifier

	chunks    int
	bytes     int
	overflows int

	transactions int
	verified     int
	failed       int
	verbs        map[string]int
}

func newLinkTally(framing protocol.Framing) *linkTally {
	return &linkTally{
		framing: framing,
		verify:  protocol.NewLengthVerifier(),
		verbs:   make(map[string]int),
	}
}

// record counts one framed transaction and returns its report line.
func (l *linkTally) record(at time.Time, tx string) string {
	l.transactions++

	status := "verified"
	if ok, _ := l.verify.Verify(tx); ok {
		l.verified++
	} else {
		l.failed++
		status = fmt.Sprintf("FAILED (%v)", protocol.CheckLength(tx))
	}

	verb := "UNPARSEABLE"
	if m, err := protocol.Parse(tx, l.framing); err == nil {
		verb = m.Verb
		if m.TxID != "" {
			verb += " " + m.TxID
		}
		l.verbs[m.Verb]++
	} else {
		l.verbs[verb]++
	}

	return fmt.Sprintf("[%s] #%d %d bytes, %s, %s\n",
		at.Format("15:04:05.000"), l.transactions, len(tx), status, verb)
}

// summary renders the totals block printed when the test ends.
func (l *linkTally) summary(elapsed time.Duration, result string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n--- Test Results ---\n")
	fmt.Fprintf(&b, "Duration: %v\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "Chunks received: %d\n", l.chunks)
	fmt.Fprintf(&b, "Bytes received: %d\n", l.bytes)
	if l.overflows > 0 {
		fmt.Fprintf(&b, "Buffer overflows: %d\n", l.overflows)
	}
	fmt.Fprintf(&b, "Transactions: %d (%d verified, %d failed)\n", l.transactions, l.verified, l.failed)

	verbs := make([]string, 0, len(l.verbs))
	for v := range l.verbs {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	for _, v := range verbs {
		fmt.Fprintf(&b, "  %-12s %d\n", v, l.verbs[v])
	}
	fmt.Fprintf(&b, "Result: %s\n", result)
	return b.String()
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Buoygate - Link Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)

	framing := conf.ProtocolFraming()
	tally := newLinkTally(framing)
	f, err := framer.New(connInfo, framer.Options{
		Start:     framing.Start,
		Stop:      framing.Stop,
		MaxBuffer: conf.Framing.MaxBuffer,
		Logger:    logger,
	}, func(_, tx string) {
		fmt.Print(tally.record(time.Now(), tx))
	})
	if err != nil {
		return err
	}

	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	// Reads are handed to this goroutine so the framer and tally stay
	// single-threaded.
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				readChan <- bytes.Clone(buf[:n])
			}
			if err != nil {
				errChan <- err
				return
			}
		}
	}()

	start := time.Now()
	endTime := start.Add(time.Duration(linkTestDuration) * time.Second)

	fmt.Printf("Listening for transactions...\n\n")

	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			tally.chunks++
			tally.bytes += len(data)
			if conf.Settings.DropCarriageReturn {
				data = bytes.ReplaceAll(data, []byte("\r"), nil)
			}
			if _, err := f.Write(data); err != nil {
				tally.overflows++
				fmt.Printf("[%s] %v\n", time.Now().Format("15:04:05.000"), err)
			}

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n", time.Now().Format("15:04:05.000"), err)
			fmt.Print(tally.summary(time.Since(start), "FAILED (connection error)"))
			os.Exit(1)

		case <-heartbeat.C:
			fmt.Printf("[%s] Still connected... (%.0fs remaining, %d buffered)\n",
				time.Now().Format("15:04:05.000"), time.Until(endTime).Seconds(), f.Buffered())
		}
	}

	fmt.Print(tally.summary(time.Since(start), "PASSED (connection stable)"))
	return nil
}
