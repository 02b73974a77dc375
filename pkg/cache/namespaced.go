// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cache

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Thermoquad/buoygate/pkg/clock"
)

// Namespaced holds one queue per namespace (node identifier) under a base
// directory: <base>/<ns>/messages with archives in <base>/<ns>/message_archive.
type Namespaced struct {
	base    string
	rolling RollingFilename
	clock   clock.Clock
	log     *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewNamespaced creates an empty set of per-namespace queues.
func NewNamespaced(base string, rolling RollingFilename, clk clock.Clock, log *slog.Logger) *Namespaced {
	if log == nil {
		log = slog.Default()
	}
	return &Namespaced{
		base:    base,
		rolling: rolling,
		clock:   clock.Or(clk),
		log:     log,
		queues:  make(map[string]*Queue),
	}
}

// Get returns the queue for ns, opening it on first use.
func (n *Namespaced) Get(ns string) (*Queue, error) {
	if ns == "" || ns != filepath.Base(ns) || ns == "." || ns == ".." {
		return nil, fmt.Errorf("cache: invalid namespace %q", ns)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if q, ok := n.queues[ns]; ok {
		return q, nil
	}

	archive, err := NewArchiveManager(ArchiveOptions{
		Dir:     filepath.Join(n.base, ns, "message_archive"),
		Rolling: n.rolling,
		Clock:   n.clock,
		Logger:  n.log,
	})
	if err != nil {
		return nil, err
	}
	q, err := Open(Options{
		Dir:      filepath.Join(n.base, ns, "messages"),
		Archiver: archive,
		Clock:    n.clock,
		Logger:   n.log,
	})
	if err != nil {
		archive.Close()
		return nil, err
	}
	n.queues[ns] = q
	return q, nil
}

// Namespaces lists the namespaces opened so far.
func (n *Namespaced) Namespaces() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.queues))
	for ns := range n.queues {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Close closes every queue.
func (n *Namespaced) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var first error
	for ns, q := range n.queues {
		if err := q.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing queue %s: %w", ns, err)
		}
	}
	n.queues = make(map[string]*Queue)
	return first
}
