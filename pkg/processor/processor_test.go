// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/metrics"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	queue   *cache.Queue
	archive string
	counter *metrics.Counter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	archive := filepath.Join(root, "archive")
	q, err := cache.Open(cache.Options{
		Dir:      filepath.Join(root, "cache"),
		Archiver: cache.DirectoryArchive{Dir: archive},
		Clock:    clock.Fake(epoch),
	})
	require.NoError(t, err)
	return &fixture{queue: q, archive: archive, counter: metrics.NewRegistry().Counter("test")}
}

func (f *fixture) enqueue(t *testing.T, payload string) string {
	t.Helper()
	path, err := f.queue.Enqueue(cache.NewEntry(payload, epoch, "s1"))
	require.NoError(t, err)
	return path
}

func (f *fixture) archived(name, path string) bool {
	_, err := os.Stat(filepath.Join(f.archive, name, filepath.Base(path)))
	return err == nil
}

func (f *fixture) manager(t *testing.T, p Processor) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{Queue: f.queue, Processor: p, Counter: f.counter, Clock: clock.Fake(epoch)})
	require.NoError(t, err)
	return m
}

// gated refuses work while closed.
type gated struct {
	Func
	open bool
}

func (g gated) CanProcess() bool { return g.open }

// ============================================================
// Manager
// ============================================================

func TestManager_SettlesByFaultClass(t *testing.T) {
	tests := []struct {
		name    string
		fn      Func
		archive string
		event   string
	}{
		{
			name:    "success",
			fn:      func(context.Context, *cache.Entry) error { return nil },
			archive: cache.ArchiveConsumed,
			event:   metrics.EventProcessed,
		},
		{
			name:    "protocol",
			fn:      func(context.Context, *cache.Entry) error { return faults.Protocolf("bad verb") },
			archive: cache.ArchiveInvalid,
			event:   metrics.EventInvalid,
		},
		{
			name:    "corrupted",
			fn:      func(context.Context, *cache.Entry) error { return faults.Corrupted(errors.New("garbled")) },
			archive: cache.ArchiveBadData,
			event:   metrics.EventBadData,
		},
		{
			name:    "unclassified",
			fn:      func(context.Context, *cache.Entry) error { return errors.New("boom") },
			archive: cache.ArchiveBadData,
			event:   metrics.EventError,
		},
		{
			name:    "panic",
			fn:      func(context.Context, *cache.Entry) error { panic("nil map") },
			archive: cache.ArchiveBadData,
			event:   metrics.EventError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := f.enqueue(t, "BEGIN\nX\nEND")

			n, err := f.manager(t, tt.fn).RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.True(t, f.archived(tt.archive, path))
			assert.Equal(t, uint64(1), f.counter.Count(tt.event))
		})
	}
}

func TestManager_TransientLeavesEntryAndStopsPass(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, "one")
	f.enqueue(t, "two")

	calls := 0
	fn := Func(func(context.Context, *cache.Entry) error {
		calls++
		return faults.Transient(errors.New("bus down"))
	})

	n, err := f.manager(t, fn).RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
	assert.FileExists(t, first)
	assert.Equal(t, uint64(1), f.counter.Count(metrics.EventError))
}

func TestManager_ProcessesOldestFirst(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"a", "b", "c"} {
		f.enqueue(t, p)
	}

	var seen []string
	fn := Func(func(_ context.Context, e *cache.Entry) error {
		seen = append(seen, e.Text())
		return nil
	})

	n, err := f.manager(t, fn).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	left, err := f.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestManager_GateHoldsEntries(t *testing.T) {
	f := newFixture(t)
	path := f.enqueue(t, "held")

	p := gated{Func: func(context.Context, *cache.Entry) error { return nil }}
	n, err := f.manager(t, p).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.FileExists(t, path)
}

func TestManager_CorruptEntryCounted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.queue.Dir(), "1-0.data"), []byte("{not json"), 0o644))

	n, err := f.manager(t, Func(func(context.Context, *cache.Entry) error { return nil })).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(1), f.counter.Count(metrics.EventBadData))
	assert.True(t, f.archived(cache.ArchiveBadData, "1-0.data"))
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	m, err := NewManager(ManagerOptions{
		Queue:     f.queue,
		Processor: Func(func(context.Context, *cache.Entry) error { return nil }),
		Sleep:     time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

// ============================================================
// Sinks
// ============================================================

func entry(payload string) *cache.Entry {
	e := cache.NewEntry(payload, epoch, "s1")
	return &e
}

func TestComposite(t *testing.T) {
	ok := Func(func(context.Context, *cache.Entry) error { return nil })
	fail := Func(func(context.Context, *cache.Entry) error { return faults.Protocolf("no") })

	tests := []struct {
		name    string
		c       Composite
		wantErr bool
	}{
		{name: "all ok", c: Composite{Mode: All, Processors: []Processor{ok, ok}}},
		{name: "all one fails", c: Composite{Mode: All, Processors: []Processor{ok, fail}}, wantErr: true},
		{name: "any one ok", c: Composite{Mode: Any, Processors: []Processor{fail, ok}}},
		{name: "any none ok", c: Composite{Mode: Any, Processors: []Processor{fail, fail}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Process(context.Background(), entry("x"))
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestComposite_AnyOffersEveryMember(t *testing.T) {
	calls := 0
	count := Func(func(context.Context, *cache.Entry) error { calls++; return nil })
	c := Composite{Mode: Any, Processors: []Processor{count, count, count}}

	require.NoError(t, c.Process(context.Background(), entry("x")))
	assert.Equal(t, 3, calls)
	assert.False(t, Composite{Processors: []Processor{gated{}}}.CanProcess())
}

func TestIgnoreResultAndTransform(t *testing.T) {
	fail := Func(func(context.Context, *cache.Entry) error { return errors.New("x") })
	assert.NoError(t, IgnoreResult{P: fail}.Process(context.Background(), entry("x")))

	var got string
	tr := Transform{
		Fn: func(e *cache.Entry) (*cache.Entry, error) {
			out := cache.NewEntry("<"+e.Text()+">", e.Captured(), e.StreamID)
			return &out, nil
		},
		Next: Func(func(_ context.Context, e *cache.Entry) error { got = e.Text(); return nil }),
	}
	require.NoError(t, tr.Process(context.Background(), entry("x")))
	assert.Equal(t, "<x>", got)

	bad := Transform{Fn: func(*cache.Entry) (*cache.Entry, error) { return nil, errors.New("no") }}
	assert.True(t, faults.Is(bad.Process(context.Background(), entry("x")), faults.ClassProtocol))
}

func TestDataLines(t *testing.T) {
	var got []string
	tr := Transform{
		Fn:   DataLines(protocol.DefaultFraming),
		Next: Func(func(_ context.Context, e *cache.Entry) error { got = append(got, e.Text()); return nil }),
	}

	data := protocol.DefaultFraming.Wrap(protocol.NewData([]string{"t:21.5", "ph:7.1"}))
	require.NoError(t, tr.Process(context.Background(), entry(data)))
	hello := protocol.DefaultFraming.Wrap(protocol.NewHello("buoy1", "0.99"))
	require.NoError(t, tr.Process(context.Background(), entry(hello)))

	assert.Equal(t, []string{"t:21.5\nph:7.1"}, got)
	assert.True(t, faults.Is(tr.Process(context.Background(), entry("")), faults.ClassProtocol))
}

func TestFileAppender(t *testing.T) {
	dir := t.TempDir()
	fa := &FileAppender{Dir: dir, Prefix: "data", Rolling: cache.DayAligned(time.UTC), Clock: clock.Fake(epoch)}

	require.NoError(t, fa.Process(context.Background(), entry("one\n")))
	require.NoError(t, fa.Process(context.Background(), entry("two")))

	data, err := os.ReadFile(filepath.Join(dir, "data_2025_06_01-00_00_00.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestJSONFile_KeepsLastN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.json")
	j := &JSONFile{Path: path, Limit: 2}
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, j.Process(context.Background(), entry(p)))
	}

	var got []string
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []string{"b", "c"}, got)

	// A fresh sink picks up the history.
	j2 := &JSONFile{Path: path, Limit: 2}
	require.NoError(t, j2.Process(context.Background(), entry("d")))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []string{"c", "d"}, got)
}

func TestCountingFilter(t *testing.T) {
	var got []string
	cf := &CountingFilter{Every: 3, Next: Func(func(_ context.Context, e *cache.Entry) error {
		got = append(got, e.Text())
		return nil
	})}
	for _, p := range []string{"1", "2", "3", "4", "5", "6"} {
		require.NoError(t, cf.Process(context.Background(), entry(p)))
	}
	assert.Equal(t, []string{"3", "6"}, got)
}

func TestUpload(t *testing.T) {
	status := http.StatusOK
	var payload, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload = r.FormValue("payload")
		user, _, _ = r.BasicAuth()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	u := &Upload{URL: srv.URL, Username: "gw", Password: "pw"}
	require.NoError(t, u.Process(context.Background(), entry("BEGIN\nDATA\nEND")))
	assert.Equal(t, "BEGIN\nDATA\nEND", payload)
	assert.Equal(t, "gw", user)

	status = http.StatusBadGateway
	err := u.Process(context.Background(), entry("x"))
	assert.True(t, faults.Is(err, faults.ClassTransient))
}
