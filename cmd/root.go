// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/config"
)

var (
	configFile string
	logLevel   string
	logFormat  string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// TCP connection flags
	tcpAddress string

	busURL string

	// conf is loaded before any command runs.
	conf   config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "buoygate",
	Short: "Gateway between sensor buoys and the operator bus",
	Long: `Buoygate - collects transactions from sensor buoys and relays commands to them.

The gateway reads framed transactions from a serial line, WebSocket bridge or
TCP, stores each one durably before acknowledging it, and forwards node
messages to the operator bus. Operators queue MODE and CALIBRATE commands for
a node over the bus; the gateway hands them out when the node retrieves its
queue.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 9600]
  WebSocket: --url ws://host/path [--username user]
  TCP:       --address host:port

For WebSocket authentication, the password is read from the BUOYGATE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 9600, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVarP(&tcpAddress, "address", "a", "", "TCP address of a node (host:port)")
	rootCmd.PersistentFlags().StringVar(&busURL, "bus-url", "", "NATS URL of the operator bus")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	logger, err = newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	conf, err = config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd)
	return conf.Validate()
}

// applyFlags lets explicit connection flags override the config file.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		conf.Transport.Port = portName
	}
	if flags.Changed("baud") {
		conf.Transport.Baud = baudRate
	}
	if flags.Changed("url") {
		conf.Transport.URL = wsURL
	}
	if flags.Changed("username") {
		conf.Transport.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		conf.Transport.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("address") {
		conf.Transport.Address = tcpAddress
	}
	if flags.Changed("bus-url") {
		conf.Bus.URL = busURL
	}
	// A connection flag picks the transport over the file's type.
	if flags.Changed("port") || flags.Changed("url") || flags.Changed("address") {
		conf.Transport.Type = ""
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("--log-format: unknown format %q", format)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
