// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// ListenerOptions configure a Listener.
type ListenerOptions struct {
	Ingest
	Address string
	// Allow lists CIDR prefixes that may connect. Empty allows everyone.
	Allow []string
}

// Listener accepts TCP clients, one stream per client.
type Listener struct {
	in      Ingest
	address string
	allow   []netip.Prefix

	mu      sync.Mutex
	ln      net.Listener
	clients map[string]net.Conn
	wg      sync.WaitGroup
}

// NewListener validates opts.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if err := opts.Ingest.defaults(); err != nil {
		return nil, err
	}
	l := &Listener{in: opts.Ingest, address: opts.Address, clients: make(map[string]net.Conn)}
	for _, cidr := range opts.Allow {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("reader: allow list: %w", err)
		}
		l.allow = append(l.allow, prefix)
	}
	l.in.Logger = l.in.Logger.With("worker", "listener")
	return l, nil
}

// Listen binds the address and returns it.
func (l *Listener) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.in.Logger.Info("listening", "address", ln.Addr().String())
	return ln.Addr(), nil
}

// Run listens if needed and serves clients until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		if _, err := l.Listen(); err != nil {
			return err
		}
		l.mu.Lock()
		ln = l.ln
		l.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer func() {
		l.mu.Lock()
		l.ln = nil
		l.mu.Unlock()
		l.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.in.Logger.Warn("accept failed", "error", err)
			continue
		}
		if !l.allowed(conn.RemoteAddr()) {
			l.in.Logger.Warn("rejecting client", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		l.wg.Add(1)
		go l.serveClient(ctx, conn)
	}
}

func (l *Listener) allowed(addr net.Addr) bool {
	if len(l.allow) == 0 {
		return true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return false
	}
	ip := ap.Addr().Unmap()
	for _, p := range l.allow {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *Listener) serveClient(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	id := conn.RemoteAddr().String()

	l.mu.Lock()
	if old, ok := l.clients[id]; ok {
		l.in.Logger.Warn("duplicate client, closing older connection", "stream", id)
		old.Close()
	}
	l.clients[id] = conn
	l.mu.Unlock()

	err := l.in.serve(ctx, conn, id)
	conn.Close()

	l.mu.Lock()
	if l.clients[id] == conn {
		delete(l.clients, id)
	}
	l.mu.Unlock()
	l.in.Logger.Info("client disconnected", "stream", id, "error", err)
}

// Clients lists the connected stream ids.
func (l *Listener) Clients() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	return ids
}
