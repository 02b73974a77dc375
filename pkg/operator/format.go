// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package operator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// FormatEvent renders ev for a terminal.
func FormatEvent(ev Event) string {
	var b strings.Builder
	switch {
	case ev.Response != nil:
		r := ev.Response
		tx := ""
		if r.TxID != "" {
			tx = "(" + string(r.TxID) + ")"
		}
		if r.Node != "" {
			fmt.Fprintf(&b, "Got response to %s%s from %s with timestamp %s\n", r.Response, tx, r.Node, r.Timestamp)
		} else {
			fmt.Fprintf(&b, "Got response to %s%s with timestamp %s\n", r.Response, tx, r.Timestamp)
		}
		writeBody(&b, r.Body)
	case ev.Notify != nil:
		n := ev.Notify
		fmt.Fprintf(&b, "Got notification of %s from %s with timestamp %s\n", n.Notify, n.Node, n.Timestamp)
		writeBody(&b, n.Body)
	case ev.Data != nil:
		d := ev.Data
		fmt.Fprintf(&b, "Got data from %s with timestamp %s\n", d.Node, d.Timestamp)
		for _, line := range strings.Split(d.Data, "\n") {
			fmt.Fprintf(&b, "\t%s\n", line)
		}
	default:
		b.WriteString("Got stray message on " + ev.Subject + "\n")
	}
	return b.String()
}

func writeBody(b *strings.Builder, body json.RawMessage) {
	var p protocol.Params
	if err := json.Unmarshal(body, &p); err == nil {
		for _, k := range p.Keys() {
			fmt.Fprintf(b, "\t%s=%s\n", k, p.Value(k))
		}
		return
	}
	fmt.Fprintf(b, "\t%s\n", body)
}

func lower(s string) string {
	return strings.ToLower(s)
}
