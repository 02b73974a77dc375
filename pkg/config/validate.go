// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

// Validate reports every problem found in c.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Framing.Start == "" || c.Framing.Stop == "" {
		fail("framing: start and stop boundaries are required")
	}
	switch c.Framing.Verify {
	case VerifyLength, VerifyNone:
	default:
		fail("framing: unknown verify mode %q", c.Framing.Verify)
	}

	switch c.Transport.Type {
	case "", transport.TypeSerial, transport.TypeWebSocket, transport.TypeTCP, TypeListen:
	default:
		fail("transport: unknown type %q", c.Transport.Type)
	}
	for _, cidr := range c.Transport.Allow {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			fail("transport: allow: %v", err)
		}
	}

	positive := map[string]Duration{
		"settings.processor_sleep":    c.Settings.ProcessorSleep,
		"settings.error_sleep":        c.Settings.ErrorSleep,
		"settings.watchdog_sleep":     c.Settings.WatchdogSleep,
		"settings.reader_error_sleep": c.Settings.ReaderErrorSleep,
		"node.tick":                   c.Node.Tick,
		"node.data_interval":          c.Node.DataInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			fail("%s must be positive", name)
		}
	}
	if c.Settings.CollisionAvoidanceDelay < 0 || c.Settings.StartupIgnoreThreshold < 0 {
		fail("settings: delays cannot be negative")
	}

	if _, err := c.Rolling(time.UTC); err != nil {
		fail("archive: %v", err)
	}

	switch c.Processors.Mode {
	case "any", "all":
	default:
		fail("processors: unknown mode %q", c.Processors.Mode)
	}
	if len(c.Processors.Sinks) == 0 {
		fail("processors: at least one sink is required")
	}
	for i, s := range c.Processors.Sinks {
		switch s.Type {
		case SinkBus, SinkLog:
		case SinkFile:
			if _, err := cache.ParseRolling(s.Rolling, time.UTC); err != nil {
				fail("processors.sinks[%d]: %v", i, err)
			}
		case SinkJSON:
			if s.Path == "" {
				fail("processors.sinks[%d]: json sink needs a path", i)
			}
		case SinkUpload:
			if s.URL == "" {
				fail("processors.sinks[%d]: upload sink needs a url", i)
			}
		default:
			fail("processors.sinks[%d]: unknown type %q", i, s.Type)
		}
		if s.Every < 0 {
			fail("processors.sinks[%d]: every cannot be negative", i)
		}
	}

	switch c.RPC.Network {
	case "unix", "tcp":
	default:
		fail("rpc: unknown network %q", c.RPC.Network)
	}

	return errors.Join(errs...)
}
