// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"bytes"
	"io"
	"log/slog"
	"time"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// AckDetector watches inbound bytes for the gateway's acknowledgement token.
type AckDetector struct {
	token []byte
	tail  []byte
	ch    chan struct{}
}

// NewAckDetector creates a detector for token.
func NewAckDetector(token string) *AckDetector {
	return &AckDetector{
		token: []byte(token),
		ch:    make(chan struct{}, 1),
	}
}

// Write scans p for the token. It never fails.
func (d *AckDetector) Write(p []byte) (int, error) {
	data := append(d.tail, p...)
	if bytes.Contains(data, d.token) {
		d.tail = d.tail[:0]
		select {
		case d.ch <- struct{}{}:
		default:
		}
		return len(p), nil
	}
	keep := len(d.token) - 1
	if len(data) > keep {
		data = data[len(data)-keep:]
	}
	d.tail = append(d.tail[:0], data...)
	return len(p), nil
}

// C receives once per detected acknowledgement.
func (d *AckDetector) C() <-chan struct{} {
	return d.ch
}

// Drain discards a pending acknowledgement.
func (d *AckDetector) Drain() {
	select {
	case <-d.ch:
	default:
	}
}

// Sender frames payloads, writes them and waits for the gateway to
// acknowledge each one, resending on silence.
type Sender struct {
	w       io.Writer
	framing protocol.Framing
	acks    *AckDetector
	timeout time.Duration
	retries int
	clk     clock.Clock
	log     *slog.Logger
}

// SenderOptions configure a Sender.
type SenderOptions struct {
	Framing    protocol.Framing
	Acks       *AckDetector // nil = fire and forget
	AckTimeout time.Duration
	Retries    int
	Clock      clock.Clock
	Logger     *slog.Logger
}

// NewSender creates a Sender writing to w.
func NewSender(w io.Writer, opts SenderOptions) *Sender {
	if opts.Retries <= 0 {
		opts.Retries = 5
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sender{
		w:       w,
		framing: opts.Framing,
		acks:    opts.Acks,
		timeout: opts.AckTimeout,
		retries: opts.Retries,
		clk:     clock.Or(opts.Clock),
		log:     opts.Logger,
	}
}

// Send implements Outbox.
func (s *Sender) Send(payload string) bool {
	wrapped := s.framing.Wrap(payload)

	for attempt := 1; attempt <= s.retries; attempt++ {
		if s.acks != nil {
			s.acks.Drain()
		}
		if _, err := io.WriteString(s.w, wrapped); err != nil {
			s.log.Warn("write failed", "attempt", attempt, "error", err)
			continue
		}
		if s.acks == nil {
			return true
		}

		select {
		case <-s.acks.C():
			return true
		case <-s.clk.After(s.timeout):
			s.log.Debug("no ack", "attempt", attempt, "payload", firstLine(payload))
		}
	}
	return false
}
