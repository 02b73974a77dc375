// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Thermoquad/buoygate/pkg/commander"
)

// ErrNotExpected is returned by Wait for a tx_id that was never expected.
var ErrNotExpected = errors.New("tx_id not expected")

// Waiter matches asynchronous responses to expected tx_ids. Every response
// for an expected tx_id is kept, duplicates included, and handed out once
// by Wait in arrival order. Responses for other tx_ids are dropped.
type Waiter struct {
	node string

	mu      sync.Mutex
	pending map[string][]commander.Response
	changed chan struct{}
}

// NewWaiter creates a waiter for responses from node. An empty node
// accepts every node.
func NewWaiter(node string) *Waiter {
	return &Waiter{
		node:    node,
		pending: make(map[string][]commander.Response),
		changed: make(chan struct{}),
	}
}

// Expect registers tx. Register before sending, so a fast reply is not
// dropped.
func (w *Waiter) Expect(tx string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[tx]; !ok {
		w.pending[tx] = nil
	}
}

// Forget drops tx and anything still queued for it.
func (w *Waiter) Forget(tx string) {
	w.mu.Lock()
	delete(w.pending, tx)
	w.mu.Unlock()
}

// Deliver queues r if its tx_id is expected. It reports whether r was
// kept.
func (w *Waiter) Deliver(r commander.Response) bool {
	if w.node != "" && r.Node != w.node {
		return false
	}
	tx := string(r.TxID)

	w.mu.Lock()
	defer w.mu.Unlock()
	queued, ok := w.pending[tx]
	if !ok {
		return false
	}
	w.pending[tx] = append(queued, r)
	close(w.changed)
	w.changed = make(chan struct{})
	return true
}

// Wait returns the next response for tx.
func (w *Waiter) Wait(ctx context.Context, tx string) (commander.Response, error) {
	for {
		w.mu.Lock()
		queued, ok := w.pending[tx]
		if !ok {
			w.mu.Unlock()
			return commander.Response{}, fmt.Errorf("%w: %s", ErrNotExpected, tx)
		}
		if len(queued) > 0 {
			r := queued[0]
			w.pending[tx] = queued[1:]
			w.mu.Unlock()
			return r, nil
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return commander.Response{}, fmt.Errorf("waiting for %s: %w", tx, ctx.Err())
		case <-changed:
		}
	}
}
