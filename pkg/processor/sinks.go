// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// Composite modes
const (
	All = iota // every processor must succeed
	Any        // one success is enough
)

// Composite runs several processors on each entry.
type Composite struct {
	Mode       int
	Processors []Processor
}

// Process implements Processor. In All mode the first error stops the
// chain. In Any mode every processor runs and the last error is returned
// only when none succeeded.
func (c Composite) Process(ctx context.Context, e *cache.Entry) error {
	var last error
	succeeded := false
	for _, p := range c.Processors {
		err := p.Process(ctx, e)
		if err == nil {
			succeeded = true
			continue
		}
		if c.Mode == All {
			return err
		}
		last = err
	}
	if succeeded {
		return nil
	}
	return last
}

// CanProcess requires every gated member to be ready.
func (c Composite) CanProcess() bool {
	for _, p := range c.Processors {
		if !canProcess(p) {
			return false
		}
	}
	return true
}

// IgnoreResult logs failures of P and reports success.
type IgnoreResult struct {
	P      Processor
	Logger *slog.Logger
}

// Process implements Processor
func (i IgnoreResult) Process(ctx context.Context, e *cache.Entry) error {
	if err := i.P.Process(ctx, e); err != nil {
		log := i.Logger
		if log == nil {
			log = slog.Default()
		}
		log.Debug("ignoring processor result", "stream", e.StreamID, "error", err)
	}
	return nil
}

// Transform rewrites the entry before passing it on.
type Transform struct {
	Fn   func(e *cache.Entry) (*cache.Entry, error)
	Next Processor
}

// Process implements Processor
func (t Transform) Process(ctx context.Context, e *cache.Entry) error {
	out, err := t.Fn(e)
	if err != nil {
		return faults.Protocol(fmt.Errorf("transform: %w", err))
	}
	if out == nil {
		return nil
	}
	return t.Next.Process(ctx, out)
}

// CanProcess defers to Next.
func (t Transform) CanProcess() bool { return canProcess(t.Next) }

// DataLines returns a Transform function that keeps only DATA
// transactions and replaces each with its data lines, framing and length
// line removed. Other transactions are skipped.
func DataLines(f protocol.Framing) func(e *cache.Entry) (*cache.Entry, error) {
	return func(e *cache.Entry) (*cache.Entry, error) {
		m, err := protocol.Parse(e.Text(), f)
		if err != nil {
			return nil, err
		}
		if m.Kind != protocol.KindData {
			return nil, nil
		}
		out := *e
		out.Payload = []byte(strings.Join(m.Lines, "\n"))
		out.Binary = false
		return &out, nil
	}
}

// Logging logs every payload.
type Logging struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Process implements Processor
func (l Logging) Process(ctx context.Context, e *cache.Entry) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Log(ctx, l.Level, "transaction", "stream", e.StreamID, "captured", e.Captured(), "payload", e.Text())
	return nil
}

// FileAppender appends each payload to a text file, one file per rolling
// period when Rolling is set.
type FileAppender struct {
	Dir     string
	Prefix  string
	Ext     string // default "txt"
	Rolling cache.RollingFilename
	Clock   clock.Clock

	mu sync.Mutex
}

// Process implements Processor
func (f *FileAppender) Process(_ context.Context, e *cache.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ext := f.Ext
	if ext == "" {
		ext = "txt"
	}
	name := f.Rolling.Name(f.Prefix, ext, clock.Or(f.Clock).Now())
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return faults.Transient(err)
	}
	file, err := os.OpenFile(filepath.Join(f.Dir, name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return faults.Transient(fmt.Errorf("opening %s: %w", name, err))
	}
	defer file.Close()

	line := strings.TrimRight(e.Text(), "\n") + "\n"
	if _, err := file.WriteString(line); err != nil {
		return faults.Transient(fmt.Errorf("appending to %s: %w", name, err))
	}
	return nil
}

// JSONFile keeps the last Limit payloads as a JSON array.
type JSONFile struct {
	Path  string
	Limit int // 0 keeps 100

	mu      sync.Mutex
	loaded  bool
	history []string
}

// Process implements Processor
func (j *JSONFile) Process(_ context.Context, e *cache.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.loaded {
		if err := j.load(); err != nil {
			return err
		}
		j.loaded = true
	}
	limit := j.Limit
	if limit <= 0 {
		limit = 100
	}
	j.history = append(j.history, e.Text())
	if len(j.history) > limit {
		j.history = append([]string(nil), j.history[len(j.history)-limit:]...)
	}
	return j.write()
}

func (j *JSONFile) load() error {
	data, err := os.ReadFile(j.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return faults.Transient(err)
	}
	if err := json.Unmarshal(data, &j.history); err != nil {
		// Start over rather than wedge the queue on a damaged file.
		j.history = nil
	}
	return nil
}

func (j *JSONFile) write() error {
	data, err := json.MarshalIndent(j.history, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(j.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.Transient(err)
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return faults.Transient(err)
	}
	if err := os.Rename(tmp, j.Path); err != nil {
		os.Remove(tmp)
		return faults.Transient(err)
	}
	return nil
}

// CountingFilter passes every Every-th entry to Next and consumes the rest.
type CountingFilter struct {
	Every int
	Next  Processor

	mu sync.Mutex
	n  int
}

// Process implements Processor
func (c *CountingFilter) Process(ctx context.Context, e *cache.Entry) error {
	c.mu.Lock()
	c.n++
	pass := c.Every <= 1 || c.n%c.Every == 0
	c.mu.Unlock()
	if !pass {
		return nil
	}
	return c.Next.Process(ctx, e)
}

// CanProcess defers to Next.
func (c *CountingFilter) CanProcess() bool { return canProcess(c.Next) }
