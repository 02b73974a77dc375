// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus. Handlers run synchronously inside Publish.
type Memory struct {
	mu        sync.Mutex
	subs      map[int]*memorySub
	next      int
	connected bool
}

type memorySub struct {
	bus     *Memory
	id      int
	pattern string
	handler Handler
}

// NewMemory creates a connected in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]*memorySub), connected: true}
}

// Publish implements Bus.
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	var targets []Handler
	for id := 0; id < m.next; id++ {
		if s, ok := m.subs[id]; ok && Match(s.pattern, subject) {
			targets = append(targets, s.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		h(Message{Subject: subject, Data: append([]byte(nil), data...)})
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &memorySub{bus: m, id: m.next, pattern: subject, handler: h}
	m.subs[s.id] = s
	m.next++
	return s, nil
}

// SetConnected simulates losing or regaining the connection.
func (m *Memory) SetConnected(c bool) {
	m.mu.Lock()
	m.connected = c
	m.mu.Unlock()
}

// Connected implements Bus.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close implements Bus.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.connected = false
	m.subs = make(map[int]*memorySub)
	m.mu.Unlock()
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}
