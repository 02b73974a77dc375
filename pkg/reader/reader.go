// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package reader moves transactions from transports into the durable
// queue.
package reader

import (
	"context"
	"errors"
	"time"

	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

// Dialer opens the reader's transport.
type Dialer func(ctx context.Context) (transport.Connection, error)

// Options configure a Reader.
type Options struct {
	Ingest
	Name       string
	StreamID   string
	Dial       Dialer
	MinBackoff time.Duration // 0 = 1s
	MaxBackoff time.Duration // 0 = 30s
}

// Reader owns one transport and reconnects it forever.
type Reader struct {
	in         Ingest
	name       string
	streamID   string
	dial       Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New creates a reader.
func New(opts Options) (*Reader, error) {
	if err := opts.Ingest.defaults(); err != nil {
		return nil, err
	}
	if opts.Dial == nil {
		return nil, errors.New("reader: dialer is required")
	}
	if opts.Name == "" {
		opts.Name = "reader"
	}
	if opts.StreamID == "" {
		opts.StreamID = opts.Name
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	opts.Ingest.Logger = opts.Ingest.Logger.With("worker", opts.Name)
	return &Reader{
		in:         opts.Ingest,
		name:       opts.Name,
		streamID:   opts.StreamID,
		dial:       opts.Dial,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
	}, nil
}

// Run reads until ctx is done. It returns early only when a transaction
// could not be stored.
func (r *Reader) Run(ctx context.Context) error {
	log := r.in.Logger
	backoff := r.minBackoff

	for {
		conn, err := r.dial(ctx)
		if err == nil {
			backoff = r.minBackoff
			err = r.in.serve(ctx, conn, r.streamID)
			conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			if faults.Is(err, faults.ClassFault) {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		log.Warn("transport lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-r.in.Clock.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}
