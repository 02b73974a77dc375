// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cache

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorruptEntry is returned when a queue file cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt queue entry")

// SortKey orders entries by capture time, then by collision sequence.
type SortKey struct {
	CapturedMs int64
	Seq        int
}

// Less reports whether k sorts before o.
func (k SortKey) Less(o SortKey) bool {
	if k.CapturedMs != o.CapturedMs {
		return k.CapturedMs < o.CapturedMs
	}
	return k.Seq < o.Seq
}

// String renders the key the way entry files are named.
func (k SortKey) String() string {
	return fmt.Sprintf("%d-%d", k.CapturedMs, k.Seq)
}

// Entry is one queued transaction or command.
type Entry struct {
	Payload    []byte
	Binary     bool
	CapturedAt int64 // ms since epoch
	Seq        int   // assigned by Enqueue
	StreamID   string
}

// NewEntry builds a text entry captured at t.
func NewEntry(payload string, t time.Time, streamID string) Entry {
	return Entry{Payload: []byte(payload), CapturedAt: t.UnixMilli(), StreamID: streamID}
}

// NewBinaryEntry builds an entry whose payload is stored base64 encoded.
func NewBinaryEntry(payload []byte, t time.Time, streamID string) Entry {
	return Entry{Payload: payload, Binary: true, CapturedAt: t.UnixMilli(), StreamID: streamID}
}

// Key returns the entry's sort key.
func (e Entry) Key() SortKey {
	return SortKey{CapturedMs: e.CapturedAt, Seq: e.Seq}
}

// Text returns the payload as a string.
func (e Entry) Text() string {
	return string(e.Payload)
}

// Captured returns the capture time.
func (e Entry) Captured() time.Time {
	return time.UnixMilli(e.CapturedAt)
}

// entryFile is the on-disk JSON layout.
type entryFile struct {
	Payload  *string `json:"payload"`
	Time     *int64  `json:"time"`
	Seq      int     `json:"seq"`
	Binary   bool    `json:"binary"`
	StreamID string  `json:"stream_id,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e Entry) MarshalJSON() ([]byte, error) {
	payload := string(e.Payload)
	if e.Binary {
		payload = base64.StdEncoding.EncodeToString(e.Payload)
	}
	captured := e.CapturedAt
	return json.Marshal(entryFile{
		Payload:  &payload,
		Time:     &captured,
		Seq:      e.Seq,
		Binary:   e.Binary,
		StreamID: e.StreamID,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Entry) UnmarshalJSON(data []byte) error {
	var f entryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Payload == nil || f.Time == nil {
		return fmt.Errorf("missing payload or time")
	}

	payload := []byte(*f.Payload)
	if f.Binary {
		decoded, err := base64.StdEncoding.DecodeString(*f.Payload)
		if err != nil {
			return fmt.Errorf("binary payload: %w", err)
		}
		payload = decoded
	}

	*e = Entry{
		Payload:    payload,
		Binary:     f.Binary,
		CapturedAt: *f.Time,
		Seq:        f.Seq,
		StreamID:   f.StreamID,
	}
	return nil
}

// decodeKey reads only the ordering metadata of an entry file.
func decodeKey(data []byte) (SortKey, error) {
	var f struct {
		Time *int64 `json:"time"`
		Seq  int    `json:"seq"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return SortKey{}, err
	}
	if f.Time == nil {
		return SortKey{}, fmt.Errorf("missing time")
	}
	return SortKey{CapturedMs: *f.Time, Seq: f.Seq}, nil
}
