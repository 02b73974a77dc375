// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"time"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/commander"
	"github.com/Thermoquad/buoygate/pkg/node"
	"github.com/Thermoquad/buoygate/pkg/protocol"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

// ProtocolFraming returns the transaction boundaries.
func (c Config) ProtocolFraming() protocol.Framing {
	return protocol.Framing{Start: c.Framing.Start, Stop: c.Framing.Stop}
}

// Verifier returns the ack verifier, or nil when verification is off.
func (c Config) Verifier() protocol.Verifier {
	if c.Framing.Verify == VerifyNone {
		return nil
	}
	return protocol.NewLengthVerifier()
}

// Rolling returns the archive rotation in loc.
func (c Config) Rolling(loc *time.Location) (cache.RollingFilename, error) {
	return cache.ParseRolling(c.Archive.Rolling, loc)
}

// Topics returns the bus subjects.
func (c Config) Topics() commander.Topics {
	t := commander.DefaultTopics()
	if c.Bus.Nodes != "" {
		t.Nodes = c.Bus.Nodes
	}
	if c.Bus.Master != "" {
		t.Master = c.Bus.Master
	}
	if c.Bus.Data != "" {
		t.Data = c.Bus.Data
	}
	return t
}

// TransportOptions returns the dial options. The password is passed in
// because it may come from a prompt.
func (c Config) TransportOptions(password string) transport.Options {
	t := c.Transport
	typ := t.Type
	if typ == TypeListen {
		typ = ""
	}
	return transport.Options{
		Type:        typ,
		Port:        t.Port,
		Baud:        t.Baud,
		ReadTimeout: t.ReadTimeout.D(),
		URL:         t.URL,
		Username:    t.Username,
		Password:    password,
		NoSSLVerify: t.NoSSLVerify,
		Address:     t.Address,
		DialTimeout: t.DialTimeout.D(),
	}
}

// NodeConfig returns the simulated buoy settings.
func (c Config) NodeConfig() node.Config {
	cfg := node.DefaultConfig()
	n := c.Node
	if n.Identifier != "" {
		cfg.Identifier = n.Identifier
	}
	if n.Version != "" {
		cfg.Version = n.Version
	}
	cfg.Framing = c.ProtocolFraming()
	cfg.NodeTimeout = n.NodeTimeout.D()
	cfg.LiveSleepInterval = n.LiveSleepInterval.D()
	cfg.DataInterval = n.DataInterval.D()
	cfg.AsleepDelay = n.AsleepDelay.D()
	cfg.ReadingInterval = n.ReadingInterval.D()
	cfg.RetrieveTimeout = n.RetrieveTimeout.D()
	return cfg
}

// SimulatorOptions returns the options for node.NewSimulator.
func (c Config) SimulatorOptions() node.SimulatorOptions {
	return node.SimulatorOptions{
		Node:         c.NodeConfig(),
		AckTimeout:   c.Node.AckTimeout.D(),
		Retries:      c.Node.Retries,
		Tick:         c.Node.Tick.D(),
		StartupDelay: c.Node.StartupDelay.D(),
	}
}
