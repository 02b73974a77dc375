// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Buoygate - Buoy to Message Bus Gateway
//
// Stores framed transactions from buoys in a local cache, forwards them to a
// message bus and relays operator commands back to the buoys.

package main

import (
	"os"

	"github.com/Thermoquad/buoygate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
