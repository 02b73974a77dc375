// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cache

import (
	"fmt"
	"strings"
	"time"
)

// TimestampFormat is used in rolled file names.
const TimestampFormat = "2006_01_02-15_04_05"

// RollingFilename aligns file names to fixed periods counted from a
// boundary instant.
type RollingFilename struct {
	Boundary time.Time
	Period   time.Duration // 0 disables rolling
}

// WeekAligned rolls every week starting Sunday midnight in loc.
func WeekAligned(loc *time.Location) RollingFilename {
	// 2012-01-01 was a Sunday.
	return RollingFilename{
		Boundary: time.Date(2012, time.January, 1, 0, 0, 0, 0, loc),
		Period:   7 * 24 * time.Hour,
	}
}

// DayAligned rolls at midnight in loc.
func DayAligned(loc *time.Location) RollingFilename {
	return RollingFilename{
		Boundary: time.Date(2012, time.January, 1, 0, 0, 0, 0, loc),
		Period:   24 * time.Hour,
	}
}

// ParseRolling maps a config value (week, day, none) to a RollingFilename.
func ParseRolling(s string, loc *time.Location) (RollingFilename, error) {
	if loc == nil {
		loc = time.Local
	}
	switch strings.ToLower(s) {
	case "week", "weekly", "":
		return WeekAligned(loc), nil
	case "day", "daily":
		return DayAligned(loc), nil
	case "none":
		return RollingFilename{}, nil
	default:
		return RollingFilename{}, fmt.Errorf("unknown rotation %q", s)
	}
}

// Start returns the beginning of the period containing t.
func (r RollingFilename) Start(t time.Time) time.Time {
	if r.Period <= 0 {
		return r.Boundary
	}
	elapsed := t.Sub(r.Boundary)
	n := elapsed / r.Period
	if elapsed < 0 && elapsed%r.Period != 0 {
		n--
	}
	return r.Boundary.Add(n * r.Period)
}

// Name returns "<prefix>_<period start>.<ext>", or "<prefix>.<ext>" when
// rolling is disabled.
func (r RollingFilename) Name(prefix, ext string, t time.Time) string {
	if r.Period <= 0 {
		return prefix + "." + ext
	}
	return fmt.Sprintf("%s_%s.%s", prefix, r.Start(t).Format(TimestampFormat), ext)
}
