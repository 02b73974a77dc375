// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package commander

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrResponseIDInUse means a response id was registered twice. The
	// allocator never does this, so it indicates a corrupted table.
	ErrResponseIDInUse = errors.New("response id already in use")

	// ErrNoResponseID means every response id is outstanding.
	ErrNoResponseID = errors.New("no free response id")
)

// NoResponseID is the response id for writes that expect no delivery
// confirmation. The allocator never hands it out.
const NoResponseID uint8 = 0

// Record is a command delivered to a node and awaiting confirmation.
type Record struct {
	ResponseID uint8
	Node       string
	Path       string // queue entry of the command
	SentAt     time.Time
}

// Outstanding is the table of unconfirmed deliveries.
type Outstanding struct {
	mu      sync.Mutex
	records map[uint8]Record
	next    uint8
}

// NewOutstanding creates an empty table.
func NewOutstanding() *Outstanding {
	return &Outstanding{records: make(map[uint8]Record), next: 1}
}

// Add registers rec under its response id.
func (o *Outstanding) Add(rec Record) error {
	if rec.ResponseID == NoResponseID {
		return fmt.Errorf("response id %d is reserved", NoResponseID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.records[rec.ResponseID]; ok {
		return fmt.Errorf("%w: %d", ErrResponseIDInUse, rec.ResponseID)
	}
	o.records[rec.ResponseID] = rec
	return nil
}

// Reserve allocates a free response id for rec and registers it.
func (o *Outstanding) Reserve(rec Record) (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for range 255 {
		id := o.next
		o.next++
		if o.next == NoResponseID {
			o.next = 1
		}
		if _, ok := o.records[id]; ok {
			continue
		}
		rec.ResponseID = id
		o.records[id] = rec
		return rec, nil
	}
	return Record{}, ErrNoResponseID
}

// Take removes and returns the record for id.
func (o *Outstanding) Take(id uint8) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if ok {
		delete(o.records, id)
	}
	return rec, ok
}

// Pending reports whether the entry at path is awaiting confirmation.
func (o *Outstanding) Pending(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, rec := range o.records {
		if rec.Path == path {
			return true
		}
	}
	return false
}

// Expire removes and returns records sent before cutoff.
func (o *Outstanding) Expire(cutoff time.Time) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Record
	for id, rec := range o.records {
		if rec.SentAt.Before(cutoff) {
			out = append(out, rec)
			delete(o.records, id)
		}
	}
	return out
}

// Len returns the number of outstanding records.
func (o *Outstanding) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}
