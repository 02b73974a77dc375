// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package processor drains a durable queue through a chain of sinks.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/metrics"
)

// Processor consumes one queue entry. A nil error archives the entry as
// consumed; otherwise the fault class of the error decides.
type Processor interface {
	Process(ctx context.Context, e *cache.Entry) error
}

// Gate is implemented by processors that can refuse work for a while,
// such as one whose bus is disconnected.
type Gate interface {
	CanProcess() bool
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, e *cache.Entry) error

// Process implements Processor
func (f Func) Process(ctx context.Context, e *cache.Entry) error { return f(ctx, e) }

func canProcess(p Processor) bool {
	if g, ok := p.(Gate); ok {
		return g.CanProcess()
	}
	return true
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Name       string
	Queue      *cache.Queue
	Processor  Processor
	Sleep      time.Duration // between passes; 0 = 1s
	ErrorSleep time.Duration // after a transient error; 0 = 5s
	Watch      bool          // wake on new entries instead of waiting out Sleep
	Counter    *metrics.Counter
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Manager runs the processing loop for one queue.
type Manager struct {
	name       string
	queue      *cache.Queue
	proc       Processor
	sleep      time.Duration
	errorSleep time.Duration
	watch      bool
	counter    *metrics.Counter
	clk        clock.Clock
	log        *slog.Logger
}

// NewManager creates a manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Queue == nil || opts.Processor == nil {
		return nil, errors.New("processor: queue and processor are required")
	}
	if opts.Name == "" {
		opts.Name = "processor"
	}
	if opts.Sleep <= 0 {
		opts.Sleep = time.Second
	}
	if opts.ErrorSleep <= 0 {
		opts.ErrorSleep = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		name:       opts.Name,
		queue:      opts.Queue,
		proc:       opts.Processor,
		sleep:      opts.Sleep,
		errorSleep: opts.ErrorSleep,
		watch:      opts.Watch,
		counter:    opts.Counter,
		clk:        clock.Or(opts.Clock),
		log:        log.With("worker", opts.Name),
	}, nil
}

// Run processes the queue until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if m.watch {
		ch, err := m.queue.Watch(ctx)
		if err != nil {
			m.log.Warn("queue watch unavailable, polling", "error", err)
		} else {
			wake = ch
		}
	}

	m.log.Info("processor started", "cache", m.queue.Dir())
	for {
		wait := m.sleep
		if _, err := m.RunOnce(ctx); err != nil {
			m.log.Warn("processing paused", "error", err, "sleep", m.errorSleep)
			wait = m.errorSleep
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-m.clk.After(wait):
		}
	}
}

// RunOnce makes one pass over the pending entries and returns how many
// were processed. A transient error ends the pass early and is returned.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	if !canProcess(m.proc) {
		m.log.Debug("processor not ready")
		return 0, nil
	}
	items, err := m.queue.Pending(m.clk.Now())
	if err != nil {
		return 0, faults.Transient(err)
	}

	done := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return done, nil
		}
		entry, err := m.queue.Read(item.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if faults.Is(err, faults.ClassCorrupted) {
				m.counter.Inc(metrics.EventBadData)
				continue
			}
			return done, faults.Transient(err)
		}

		err = faults.Recover(func() error { return m.proc.Process(ctx, entry) })
		if err := m.settle(item.Path, err); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// settle archives the entry according to the outcome. Only transient
// errors are returned.
func (m *Manager) settle(path string, err error) error {
	archive := cache.ArchiveConsumed
	switch {
	case err == nil:
		m.counter.Inc(metrics.EventProcessed)
	case faults.Is(err, faults.ClassTransient):
		m.counter.Inc(metrics.EventError)
		return fmt.Errorf("processing %s: %w", path, err)
	case faults.Is(err, faults.ClassProtocol):
		m.log.Warn("invalid transaction", "path", path, "error", err)
		m.counter.Inc(metrics.EventInvalid)
		archive = cache.ArchiveInvalid
	case faults.Is(err, faults.ClassCorrupted):
		m.log.Warn("bad data", "path", path, "error", err)
		m.counter.Inc(metrics.EventBadData)
		archive = cache.ArchiveBadData
	default:
		m.log.Error("processor fault", "path", path, "error", err)
		m.counter.Inc(metrics.EventError)
		archive = cache.ArchiveBadData
	}

	if aerr := m.queue.Archive(path, archive); aerr != nil {
		// Left in place; the next pass sees it again.
		m.log.Error("failed to archive", "path", path, "archive", archive, "error", aerr)
	}
	return nil
}
