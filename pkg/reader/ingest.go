// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/framer"
	"github.com/Thermoquad/buoygate/pkg/metrics"
	"github.com/Thermoquad/buoygate/pkg/protocol"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

// Ingest configures how transactions from a connection are framed,
// verified and stored.
type Ingest struct {
	Queue     *cache.Queue
	Framing   protocol.Framing
	MaxBuffer int
	// Verifier decides the ack token. Nil stores everything and acks
	// nothing.
	Verifier protocol.Verifier
	// StartupIgnore drops bytes read this soon after connecting; radios
	// flush stale buffers on open.
	StartupIgnore time.Duration
	DropCR        bool
	Streams       *Streams
	Counter       *metrics.Counter
	Clock         clock.Clock
	Logger        *slog.Logger
}

func (in *Ingest) defaults() error {
	if in.Queue == nil {
		return errors.New("reader: queue is required")
	}
	if in.Framing == (protocol.Framing{}) {
		in.Framing = protocol.DefaultFraming
	}
	in.Clock = clock.Or(in.Clock)
	if in.Logger == nil {
		in.Logger = slog.Default()
	}
	return nil
}

// serve reads conn until it fails or ctx is done. Only a failure to store
// a transaction is returned as a fault; read errors are transient.
func (in *Ingest) serve(ctx context.Context, conn transport.Connection, streamID string) error {
	log := in.Logger.With("stream", streamID)

	var out *StreamWriter
	if in.Streams != nil {
		var unregister func()
		out, unregister = in.Streams.Register(streamID, conn)
		defer unregister()
	} else {
		out = &StreamWriter{w: conn}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var fatal error
	fr, err := framer.New(streamID, framer.Options{
		Start:     in.Framing.Start,
		Stop:      in.Framing.Stop,
		MaxBuffer: in.MaxBuffer,
		Logger:    log,
	}, func(id, transaction string) {
		if fatal == nil {
			fatal = in.store(out, id, transaction, log)
		}
	})
	if err != nil {
		return faults.Fault(err)
	}

	connectedAt := in.Clock.Now()
	log.Info("reading stream")
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			if in.DropCR {
				data = bytes.ReplaceAll(data, []byte("\r"), nil)
			}
			if in.Clock.Now().Sub(connectedAt) < in.StartupIgnore {
				log.Warn("ignoring startup data", "bytes", n)
			} else {
				fr.Write(data)
			}
			if fatal != nil {
				return fatal
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return faults.Transient(fmt.Errorf("reading %s: %w", streamID, err))
		}
	}
}

// store persists a transaction, then acknowledges it.
func (in *Ingest) store(out *StreamWriter, streamID, transaction string, log *slog.Logger) error {
	in.Counter.Inc(metrics.EventRead)

	valid, ack := true, ""
	if in.Verifier != nil {
		valid, ack = in.Verifier.Verify(transaction)
	}

	path, err := in.Queue.Enqueue(cache.NewEntry(transaction, in.Clock.Now(), streamID))
	if err != nil {
		return faults.Fault(fmt.Errorf("storing transaction from %s: %w", streamID, err))
	}

	if ack != "" {
		if _, err := out.Write([]byte(ack + "\n")); err != nil {
			log.Warn("failed to acknowledge", "ack", ack, "error", err)
		}
	}

	if !valid {
		log.Warn("transaction failed verification", "path", path, "error", protocol.CheckLength(transaction))
		in.Counter.Inc(metrics.EventInvalid)
		if err := in.Queue.Archive(path, cache.ArchiveInvalid); err != nil {
			log.Error("archiving invalid transaction", "path", path, "error", err)
		}
		return nil
	}
	log.Debug("stored transaction", "path", path)
	return nil
}
