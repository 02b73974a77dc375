// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
	"strings"
)

// FormatMessage formats a message into a human-readable string
func FormatMessage(m *Message) string {
	var b strings.Builder

	b.WriteString(m.Kind.String())
	if m.TxID != "" {
		fmt.Fprintf(&b, " tx=%s", m.TxID)
	}
	if m.HasTimeout {
		fmt.Fprintf(&b, " timeout=%ds", m.Timeout)
	}
	b.WriteByte('\n')

	switch m.Kind {
	case KindResponse, KindNotify, KindRetrieve:
		name, params := m.Section()
		fmt.Fprintf(&b, "  %s\n", name)
		for _, k := range params.Keys() {
			fmt.Fprintf(&b, "    %s = %s\n", k, params.Value(k))
		}
	case KindCalibrate:
		params := m.Params()
		for _, k := range params.Keys() {
			fmt.Fprintf(&b, "  %s = %s\n", k, params.Value(k))
		}
	default:
		for _, line := range m.Lines {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}

// FormatTransaction parses and formats a raw transaction, falling back to
// the raw text when it cannot be parsed.
func FormatTransaction(transaction string, f Framing) string {
	m, err := Parse(transaction, f)
	if err != nil {
		return fmt.Sprintf("UNPARSEABLE (%v)\n%s\n", err, transaction)
	}
	return FormatMessage(m)
}
