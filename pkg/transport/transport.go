// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport opens the byte streams buoys talk over: serial lines,
// websocket bridges and TCP.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

// Connection provides a common interface for reading/writing bytes from any
// transport.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed is returned when reading from a closed connection.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Transport types
const (
	TypeSerial    = "serial"
	TypeWebSocket = "websocket"
	TypeTCP       = "tcp"
)

// Options select and configure a transport.
type Options struct {
	Type string // empty picks from URL, Address or Port

	// Serial
	Port        string
	Baud        int
	ReadTimeout time.Duration // bounded reads; 0 blocks

	// WebSocket
	URL         string
	Username    string
	Password    string
	NoSSLVerify bool

	// TCP
	Address     string
	DialTimeout time.Duration
}

// Kind resolves the transport type.
func (o Options) Kind() (string, error) {
	switch {
	case o.Type != "":
		switch o.Type {
		case TypeSerial, TypeWebSocket, TypeTCP:
			return o.Type, nil
		}
		return "", fmt.Errorf("unknown transport type %q", o.Type)
	case o.URL != "":
		return TypeWebSocket, nil
	case o.Address != "":
		return TypeTCP, nil
	case o.Port != "":
		return TypeSerial, nil
	}
	return "", errors.New("either --port, --url or an address must be specified")
}

// Open opens the configured transport and describes it for humans.
func Open(o Options) (Connection, string, error) {
	kind, err := o.Kind()
	if err != nil {
		return nil, "", err
	}

	switch kind {
	case TypeWebSocket:
		conn, err := OpenWebSocket(o.URL, o.Username, o.Password, o.NoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", o.URL), nil

	case TypeTCP:
		conn, err := DialTCP(o.Address, o.DialTimeout)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("TCP: %s", o.Address), nil
	}

	baud := o.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	conn, err := OpenSerial(o.Port, baud, o.ReadTimeout)
	if err != nil {
		return nil, "", err
	}
	return conn, fmt.Sprintf("Serial: %s @ %d baud", o.Port, baud), nil
}

// GetPassword retrieves a password from envVar or prompts the user.
func GetPassword(envVar string) (string, error) {
	if pw := os.Getenv(envVar); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}
