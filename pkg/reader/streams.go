// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownStream is returned when writing to a stream that is not
// connected.
var ErrUnknownStream = errors.New("reader: stream not connected")

// StreamWriter serializes writes to one connection. Acks from the reader
// and commands from the commander share it.
type StreamWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *StreamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Streams tracks the writable side of every live connection so commands
// can be sent to the stream a node was last heard on.
type Streams struct {
	autoAck bool
	log     *slog.Logger

	mu      sync.Mutex
	writers map[string]*StreamWriter
	confirm func(responseID uint8) bool
}

// NewStreams creates an empty registry. With autoAck, a successful write
// counts as delivered and no confirmation is made.
func NewStreams(autoAck bool, log *slog.Logger) *Streams {
	if log == nil {
		log = slog.Default()
	}
	return &Streams{autoAck: autoAck, log: log, writers: make(map[string]*StreamWriter)}
}

// SetConfirm sets the delivery confirmation callback, normally the
// commander's HandleResponseFrame.
func (s *Streams) SetConfirm(fn func(responseID uint8) bool) {
	s.mu.Lock()
	s.confirm = fn
	s.mu.Unlock()
}

// Register makes w writable as streamID and returns the shared writer and
// a function that removes it again. A newer registration for the same id
// replaces the older one.
func (s *Streams) Register(streamID string, w io.Writer) (*StreamWriter, func()) {
	sw := &StreamWriter{w: w}
	s.mu.Lock()
	s.writers[streamID] = sw
	s.mu.Unlock()

	return sw, func() {
		s.mu.Lock()
		if s.writers[streamID] == sw {
			delete(s.writers, streamID)
		}
		s.mu.Unlock()
	}
}

// Write sends payload on streamID followed by a newline.
func (s *Streams) Write(streamID, payload string, responseID uint8) error {
	s.mu.Lock()
	sw, ok := s.writers[streamID]
	confirm := s.confirm
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}

	if _, err := sw.Write([]byte(payload + "\n")); err != nil {
		return err
	}
	s.log.Debug("wrote to stream", "stream", streamID, "response_id", responseID)

	// There is no separate delivery signal from a buoy, so a successful
	// write counts as delivery and clears the outstanding response id.
	if !s.autoAck && responseID != 0 && confirm != nil {
		confirm(responseID)
	}
	return nil
}

// AutoAck implements commander.CommandStream
func (s *Streams) AutoAck() bool {
	return s.autoAck
}

// IDs lists the connected streams.
func (s *Streams) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.writers))
	for id := range s.writers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
