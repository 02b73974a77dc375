// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions configure a NATS connection.
type NATSOptions struct {
	URL           string
	Name          string
	Username      string
	Password      string
	Token         string
	MaxReconnects int // -1 = forever
	ReconnectWait time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration
	Logger        *slog.Logger
}

// NATS is a Bus backed by a NATS server.
type NATS struct {
	conn         *nats.Conn
	drainTimeout time.Duration
	log          *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func (o NATSOptions) connectionOptions(log *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(o.MaxReconnects),
		nats.ReconnectWait(o.ReconnectWait),
		nats.Timeout(o.Timeout),
		nats.DrainTimeout(o.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected from message bus", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to message bus", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("message bus connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("message bus error", "subject", subject, "error", err)
		}),
	}
	if o.Username != "" {
		opts = append(opts, nats.UserInfo(o.Username, o.Password))
	}
	if o.Token != "" {
		opts = append(opts, nats.Token(o.Token))
	}
	if o.Name != "" {
		opts = append(opts, nats.Name(o.Name))
	}
	return opts
}

// DialNATS connects to the server at opts.URL.
func DialNATS(ctx context.Context, opts NATSOptions) (*NATS, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("bus", opts.URL)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(opts.URL, opts.connectionOptions(log)...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", opts.URL, r.err)
		}
		log.Info("connected to message bus")
		return &NATS{conn: r.conn, drainTimeout: opts.DrainTimeout, log: log}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Publish implements Bus.
func (n *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.conn.IsConnected() {
		return ErrNotConnected
	}
	return n.conn.Publish(subject, data)
}

// Subscribe implements Bus.
func (n *NATS) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(Message{Subject: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return sub, nil
}

// Connected implements Bus.
func (n *NATS) Connected() bool {
	return n.conn.IsConnected()
}

// Close drains the connection, forcing it closed after the drain timeout.
func (n *NATS) Close() error {
	drained := make(chan error, 1)
	go func() { drained <- n.conn.Drain() }()

	select {
	case err := <-drained:
		if err != nil {
			n.log.Error("drain failed", "error", err)
		}
		n.conn.Close()
		return err
	case <-time.After(n.drainTimeout):
		n.log.Error("drain timed out, closing", "timeout", n.drainTimeout)
		n.conn.Close()
		return nil
	}
}
