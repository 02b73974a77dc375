// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"strconv"
	"strings"
)

var defaultTelemetry = []string{
	"BATTERY: V_100:0, Solar_uA:14929,32",
	"BOARD_TEMP: 28.36ef0a080000ca,3143,34",
	"HEAD_TEMP: 28.a84102050000f5,2956,33",
	"INERTIAL: AX:-1263,AY:8582,AZ:-569,GZ:146,GY:358,GZ:682,55",
	"COMPASS: MX:-238,XY:224,MZ:-50,30",
	"RGB: R:2619,G:2492,B:1127,W:4765,32",
	"TRANSMISSION:32040, GAIN:8,26",
	"SCATTER:2268, GAIN:8,20",
	"GPS: FIX NOT_FOUND,18",
	"PH: 7095,8",
	"EC: 94729, TDS: 51154, PSS: 0,29",
	"DO: 597, %S: 0,14",
}

// DefaultTelemetry returns a fixed set of sensor lines.
func DefaultTelemetry() []string {
	out := make([]string, len(defaultTelemetry))
	copy(out, defaultTelemetry)
	return out
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
