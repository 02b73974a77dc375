// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package framer extracts boundary delimited transactions from a byte
// stream. One Framer exists per logical stream.
package framer

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultMaxBuffer is the buffer cap used when Options.MaxBuffer is zero.
const DefaultMaxBuffer = 64 * 1024

// ErrBufferOverflow is returned by Write when unmatched data exceeded the
// buffer cap and was discarded.
var ErrBufferOverflow = errors.New("framer: buffer overflow")

// Handler receives each completed transaction. It runs synchronously
// inside Write.
type Handler func(streamID, transaction string)

// Options configure a Framer.
type Options struct {
	Start     string
	Stop      string
	MaxBuffer int // 0 = DefaultMaxBuffer, negative = unbounded
	Logger    *slog.Logger
}

// Framer buffers stream bytes and emits START...STOP spans.
type Framer struct {
	streamID string
	start    []byte
	stop     []byte
	max      int
	buffer   []byte
	handler  Handler
	log      *slog.Logger

	emitted   uint64
	dropped   uint64
	overflows uint64
}

// New creates a framer for the given stream.
func New(streamID string, opts Options, handler Handler) (*Framer, error) {
	if opts.Start == "" || opts.Stop == "" {
		return nil, fmt.Errorf("framer: start and stop boundaries are required")
	}
	limit := opts.MaxBuffer
	if limit == 0 {
		limit = DefaultMaxBuffer
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Framer{
		streamID: streamID,
		start:    []byte(opts.Start),
		stop:     []byte(opts.Stop),
		max:      limit,
		handler:  handler,
		log:      log.With("stream", streamID),
	}, nil
}

// StreamID returns the stream this framer belongs to.
func (f *Framer) StreamID() string {
	return f.streamID
}

// SetHandler replaces the transaction callback.
func (f *Framer) SetHandler(h Handler) {
	f.handler = h
}

// Write appends p to the buffer and emits every complete transaction in
// arrival order before returning. It always consumes all of p.
func (f *Framer) Write(p []byte) (int, error) {
	f.buffer = append(f.buffer, p...)
	f.extract()

	if f.max > 0 && len(f.buffer) > f.max {
		f.log.Warn("dropping unterminated transaction", "buffered", len(f.buffer), "max", f.max)
		f.dropped += uint64(len(f.buffer))
		f.overflows++
		f.buffer = f.buffer[:0]
		return len(p), ErrBufferOverflow
	}
	return len(p), nil
}

// WriteString is Write for string input.
func (f *Framer) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *Framer) extract() {
	for {
		begin := bytes.Index(f.buffer, f.start)
		if begin < 0 {
			// Keep a tail that could still become a start boundary.
			keep := len(f.start) - 1
			if len(f.buffer) > keep {
				f.dropped += uint64(len(f.buffer) - keep)
				f.buffer = append(f.buffer[:0], f.buffer[len(f.buffer)-keep:]...)
			}
			return
		}
		if begin > 0 {
			f.dropped += uint64(begin)
			f.buffer = append(f.buffer[:0], f.buffer[begin:]...)
		}

		end := bytes.Index(f.buffer[len(f.start):], f.stop)
		if end < 0 {
			return
		}
		end += len(f.start) + len(f.stop)

		transaction := string(f.buffer[:end])
		f.buffer = append(f.buffer[:0], f.buffer[end:]...)
		f.emitted++
		if f.handler != nil {
			f.handler(f.streamID, transaction)
		}
	}
}

// Buffered returns the number of bytes waiting for a stop boundary.
func (f *Framer) Buffered() int {
	return len(f.buffer)
}

// Reset discards any partial transaction.
func (f *Framer) Reset() {
	f.buffer = f.buffer[:0]
}

// Stats reports emitted transactions, discarded bytes and overflow events.
func (f *Framer) Stats() (emitted, dropped, overflows uint64) {
	return f.emitted, f.dropped, f.overflows
}

// Factory creates framers sharing one set of options.
type Factory struct {
	Options Options
}

// NewFramer builds a framer for streamID.
func (fa Factory) NewFramer(streamID string, handler Handler) (*Framer, error) {
	return New(streamID, fa.Options, handler)
}
