// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
	"strings"
)

// Framing holds the transaction boundaries.
type Framing struct {
	Start string
	Stop  string
}

// DefaultFraming is BEGIN/END.
var DefaultFraming = Framing{Start: DefaultStart, Stop: DefaultStop}

func (f Framing) startLine() string {
	if f.Start == "" {
		return DefaultStart
	}
	return strings.TrimSpace(f.Start)
}

func (f Framing) stopLine() string {
	if f.Stop == "" {
		return DefaultStop
	}
	return strings.TrimSpace(f.Stop)
}

// Wrap frames a node-originated payload with a trailing length line so the
// receiver can verify it:
//
//	BEGIN\n<payload>\n<len(payload)>\nEND\n
func (f Framing) Wrap(payload string) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s\n", f.startLine(), payload, len(payload), f.stopLine())
}

// WrapCommand frames a gateway-originated command. Commands carry no
// length line.
func (f Framing) WrapCommand(payload string) string {
	return fmt.Sprintf("%s\n%s\n%s", f.startLine(), payload, f.stopLine())
}

// Payload assembles a header, optional timeout and body into a payload.
func Payload(header string, timeout *int, body string) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteByte('\n')
	if timeout != nil {
		fmt.Fprintf(&b, "%s %d\n", timeoutPrefix, *timeout)
	}
	b.WriteString(body)
	return b.String()
}

// Header joins a verb and an optional tx_id.
func Header(verb, txID string) string {
	return strings.TrimRight(verb+" "+txID, " ")
}
