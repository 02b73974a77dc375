// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/Thermoquad/buoygate/pkg/actor"
	"github.com/Thermoquad/buoygate/pkg/bus"
	"github.com/Thermoquad/buoygate/pkg/config"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

// passwordEnv holds the WebSocket password when the config names none.
const passwordEnv = "BUOYGATE_PASSWORD"

// OpenConnection opens the configured node transport.
func OpenConnection() (transport.Connection, string, error) {
	opts, err := transportOptions()
	if err != nil {
		return nil, "", err
	}
	return transport.Open(opts)
}

// transportOptions resolves the node transport, prompting for a password
// when WebSocket auth is configured.
func transportOptions() (transport.Options, error) {
	password := ""
	if conf.Transport.URL != "" && conf.Transport.Username != "" {
		env := conf.Transport.PasswordEnv
		if env == "" {
			env = passwordEnv
		}
		var err error
		password, err = transport.GetPassword(env)
		if err != nil {
			return transport.Options{}, err
		}
	}
	opts := conf.TransportOptions(password)
	if opts.Type == "" && opts.URL == "" && opts.Address == "" && opts.Port == "" {
		return transport.Options{}, errors.New("either --port, --url or --address must be specified")
	}
	return opts, nil
}

// openBus connects to the operator bus. Without a URL the gateway runs
// on an in-process bus.
func openBus(ctx context.Context) (bus.Bus, error) {
	if conf.Bus.URL == "" {
		logger.Warn("no bus url configured, using in-process bus")
		return bus.NewMemory(), nil
	}
	n, err := bus.DialNATS(ctx, bus.NATSOptions{
		URL:           conf.Bus.URL,
		Name:          conf.Bus.Name,
		MaxReconnects: -1,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// openOperatorBus is openBus for commands that talk to a remote gateway.
func openOperatorBus(ctx context.Context) (bus.Bus, error) {
	if conf.Bus.URL == "" {
		return nil, errors.New("--bus-url or bus.url is required")
	}
	return openBus(ctx)
}

// listenRPC binds the commander socket, replacing a stale unix socket.
func listenRPC(rpc config.RPC) (net.Listener, error) {
	if rpc.Network == "unix" {
		if err := os.MkdirAll(filepath.Dir(rpc.Listen), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(rpc.Listen); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", rpc.Listen, err)
		}
	}
	return net.Listen(rpc.Network, rpc.Listen)
}

// dialRPC connects to a running gateway's commander socket.
func dialRPC(ctx context.Context) (*actor.Client, error) {
	if conf.RPC.Listen == "" {
		return nil, errors.New("rpc.listen is not configured")
	}
	return actor.Dial(ctx, conf.RPC.Network, conf.RPC.Listen)
}
