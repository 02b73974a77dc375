// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package supervisor keeps long running workers alive. A worker that
// returns or panics before shutdown is started again after a pause.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
)

// DefaultSleep is the pause before a restart.
const DefaultSleep = 5 * time.Second

// Worker is one supervised loop. Run must return once ctx is done.
type Worker struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configure a Supervisor.
type Options struct {
	Sleep  time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor restarts workers until its context is cancelled.
type Supervisor struct {
	sleep time.Duration
	clk   clock.Clock
	log   *slog.Logger

	mu       sync.Mutex
	restarts map[string]int
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	if opts.Sleep <= 0 {
		opts.Sleep = DefaultSleep
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		sleep:    opts.Sleep,
		clk:      clock.Or(opts.Clock),
		log:      log.With("worker", "supervisor"),
		restarts: make(map[string]int),
	}
}

// Run supervises workers with default options.
func Run(ctx context.Context, workers ...Worker) error {
	return New(Options{}).Run(ctx, workers...)
}

// Run starts every worker and blocks until ctx is cancelled and all of
// them have returned.
func (s *Supervisor) Run(ctx context.Context, workers ...Worker) error {
	if len(workers) == 0 {
		return errors.New("supervisor: no workers")
	}
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.keep(ctx, w)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Supervisor) keep(ctx context.Context, w Worker) {
	log := s.log.With("name", w.Name)
	for {
		err := faults.Recover(func() error { return w.Run(ctx) })
		if ctx.Err() != nil {
			log.Debug("worker stopped", "error", err)
			return
		}

		var p *faults.PanicError
		switch {
		case errors.As(err, &p):
			log.Error("worker panicked", "panic", p.Value)
		case err != nil:
			log.Error("worker failed", "error", err, "class", faults.ClassOf(err))
		default:
			log.Warn("worker exited")
		}

		s.mu.Lock()
		s.restarts[w.Name]++
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.sleep):
		}
		log.Info("restarting worker")
	}
}

// Restarts reports how often the named worker was restarted.
func (s *Supervisor) Restarts(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[name]
}
