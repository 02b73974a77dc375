// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package commander

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// NodeMap maps stream ids to node identifiers. With a directory it is
// persisted as one file per node, named by the identifier and holding the
// raw stream id.
type NodeMap struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	streams map[string]string // stream id -> node
}

// NewNodeMap creates a map persisted under dir and loads what is there.
// An empty dir keeps the map in memory only.
func NewNodeMap(dir string, log *slog.Logger) (*NodeMap, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &NodeMap{dir: dir, log: log, streams: make(map[string]string)}
	if dir == "" {
		return m, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating node map dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading node map: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		streamID, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading node map entry %s: %w", e.Name(), err)
		}
		m.streams[string(streamID)] = e.Name()
		log.Info("loaded node", "stream", string(streamID), "node", e.Name())
	}
	return m, nil
}

// Update records that node is reachable on streamID.
func (m *NodeMap) Update(streamID, node string) error {
	if node == "" || node != filepath.Base(node) || node == "." || node == ".." {
		return fmt.Errorf("invalid node identifier %q", node)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for s, n := range m.streams {
		if n == node && s != streamID {
			delete(m.streams, s)
		}
	}
	m.streams[streamID] = node
	m.log.Info("node on stream", "node", node, "stream", streamID)

	if m.dir == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(m.dir, node), []byte(streamID), 0o644); err != nil {
		return fmt.Errorf("persisting node %s: %w", node, err)
	}
	return nil
}

// Node returns the node identified on streamID.
func (m *NodeMap) Node(streamID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.streams[streamID]
	return n, ok
}

// Stream returns the stream a node was last seen on.
func (m *NodeMap) Stream(node string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for s, n := range m.streams {
		if n == node {
			return s, true
		}
	}
	return "", false
}

// NodeInfo pairs a node with its stream.
type NodeInfo struct {
	Node     string `json:"nodeIdentifier" cbor:"node"`
	StreamID string `json:"streamId,omitempty" cbor:"stream_id"`
}

// Nodes lists known nodes sorted by identifier.
func (m *NodeMap) Nodes() []NodeInfo {
	m.mu.RLock()
	out := make([]NodeInfo, 0, len(m.streams))
	for s, n := range m.streams {
		out = append(out, NodeInfo{Node: n, StreamID: s})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}
