// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus is the operator message bus: subjects are dot separated
// tokens, subscriptions may use "*" for one token and ">" for the rest.
package bus

import (
	"context"
	"errors"
	"strings"
)

// ErrNotConnected is returned by Publish while the bus is down.
var ErrNotConnected = errors.New("bus: not connected")

// Message is a delivered bus message.
type Message struct {
	Subject string
	Data    []byte
}

// Handler receives messages for a subscription.
type Handler func(Message)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a publish/subscribe capability.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Connected() bool
	Close() error
}

// Match reports whether subject matches the subscription pattern.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")

	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
