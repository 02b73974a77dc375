// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics counts what each worker did with the transactions it
// saw and exposes the counts to prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event names
const (
	EventRead      = "read"
	EventProcessed = "processed"
	EventError     = "error"
	EventInvalid   = "invalid"
	EventBadData   = "bad_data"
)

var events = []string{EventRead, EventProcessed, EventError, EventInvalid, EventBadData}

// Registry owns the prometheus registry and one Counter per worker.
type Registry struct {
	reg   *prometheus.Registry
	total *prometheus.CounterVec

	mu       sync.Mutex
	counters map[string]*Counter
}

// NewRegistry creates a registry with the transaction counter registered.
func NewRegistry() *Registry {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buoygate",
		Name:      "transactions_total",
		Help:      "Transactions seen by each worker, by outcome",
	}, []string{"worker", "event"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(total)
	return &Registry{reg: reg, total: total, counters: make(map[string]*Counter)}
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// Counter returns the counter for worker, creating it on first use.
func (r *Registry) Counter(worker string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[worker]; ok {
		return c
	}
	c := &Counter{worker: worker, vec: r.total, counts: make(map[string]*atomic.Uint64)}
	for _, ev := range events {
		c.counts[ev] = new(atomic.Uint64)
	}
	r.counters[worker] = c
	return c
}

// Status is a one line summary of every worker, sorted by name.
func (r *Registry) Status() string {
	r.mu.Lock()
	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, r.Counter(name).Status())
	}
	return strings.Join(parts, "; ")
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve runs an HTTP server with /metrics and /health until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// LogStatus logs Status every interval until ctx is done.
func (r *Registry) LogStatus(ctx context.Context, interval time.Duration, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.Info("status", "counters", r.Status())
		}
	}
}

// Counter counts events for one worker. A nil Counter ignores everything.
type Counter struct {
	worker string
	vec    *prometheus.CounterVec
	counts map[string]*atomic.Uint64
}

// Inc counts one event.
func (c *Counter) Inc(event string) {
	if c == nil {
		return
	}
	if n, ok := c.counts[event]; ok {
		n.Add(1)
	}
	c.vec.WithLabelValues(c.worker, event).Inc()
}

// Count returns the number of event seen so far.
func (c *Counter) Count(event string) uint64 {
	if c == nil {
		return 0
	}
	if n, ok := c.counts[event]; ok {
		return n.Load()
	}
	return 0
}

// Status renders "worker: read=1 processed=1 ...".
func (c *Counter) Status() string {
	var b strings.Builder
	b.WriteString(c.worker + ":")
	for _, ev := range events {
		fmt.Fprintf(&b, " %s=%d", ev, c.Count(ev))
	}
	return b.String()
}
