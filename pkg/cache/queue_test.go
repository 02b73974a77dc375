// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
)

var epoch = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type testQueue struct {
	*Queue
	archiveDir string
	archive    *ArchiveManager
	clock      *clock.FakeClock
}

func newTestQueue(t *testing.T, delay time.Duration) *testQueue {
	t.Helper()
	root := t.TempDir()
	clk := clock.Fake(epoch)

	archive, err := NewArchiveManager(ArchiveOptions{
		Dir:     filepath.Join(root, "archive"),
		Rolling: WeekAligned(time.UTC),
		Clock:   clk,
	})
	require.NoError(t, err)

	q, err := Open(Options{
		Dir:            filepath.Join(root, "cache"),
		CollisionDelay: delay,
		Archiver:       archive,
		Clock:          clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return &testQueue{Queue: q, archiveDir: filepath.Join(root, "archive"), archive: archive, clock: clk}
}

func paths(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = filepath.Base(it.Path)
	}
	return out
}

// ============================================================
// Enqueue / Read
// ============================================================

func TestEnqueueRead_RoundTrip(t *testing.T) {
	q := newTestQueue(t, 0)

	tests := []struct {
		name  string
		entry Entry
	}{
		{"text", NewEntry("BEGIN\nDATA\nph: 7.0\n12\nEND", epoch, "/dev/ttyUSB0")},
		{"binary", NewBinaryEntry([]byte{0x00, 0xff, 0x7e, 0x80, '\n'}, epoch, "10.0.0.4:5512")},
		{"empty text", NewEntry("", epoch, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := q.Enqueue(tt.entry)
			require.NoError(t, err)

			got, err := q.Read(path)
			require.NoError(t, err)
			assert.Equal(t, tt.entry.Payload, got.Payload)
			assert.Equal(t, tt.entry.Binary, got.Binary)
			assert.Equal(t, tt.entry.CapturedAt, got.CapturedAt)
			assert.Equal(t, tt.entry.StreamID, got.StreamID)
		})
	}
}

func TestEnqueue_BinaryIsBase64OnDisk(t *testing.T) {
	q := newTestQueue(t, 0)

	path, err := q.Enqueue(NewBinaryEntry([]byte{0xde, 0xad}, epoch, ""))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":"3q0="`)
	assert.Contains(t, string(raw), `"binary":true`)
}

func TestEnqueue_SameMillisecondGetsNextSeq(t *testing.T) {
	q := newTestQueue(t, 0)

	var got []string
	for i := 0; i < 3; i++ {
		path, err := q.Enqueue(NewEntry("x", epoch, ""))
		require.NoError(t, err)
		got = append(got, filepath.Base(path))
	}

	ms := epoch.UnixMilli()
	assert.Equal(t, []string{
		filepathName(ms, 0), filepathName(ms, 1), filepathName(ms, 2),
	}, got)
}

func filepathName(ms int64, seq int) string {
	return SortKey{CapturedMs: ms, Seq: seq}.String() + entryExt
}

func TestEnqueue_LeavesNoTempFiles(t *testing.T) {
	q := newTestQueue(t, 0)
	_, err := q.Enqueue(NewEntry("x", epoch, ""))
	require.NoError(t, err)

	dirents, err := os.ReadDir(q.Dir())
	require.NoError(t, err)
	for _, de := range dirents {
		assert.False(t, strings.HasSuffix(de.Name(), tempExt), "temp file left: %s", de.Name())
	}
}

func TestRead_MissingFile(t *testing.T) {
	q := newTestQueue(t, 0)

	_, err := q.Read(filepath.Join(q.Dir(), "1-0.data"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRead_CorruptEntryIsArchivedAsBadData(t *testing.T) {
	q := newTestQueue(t, 0)
	good, err := q.Enqueue(NewEntry("ok", epoch, ""))
	require.NoError(t, err)

	bad := filepath.Join(q.Dir(), "5-0.data")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	items, err := q.List()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].Corrupt, "corrupt entries list first")

	_, err = q.Read(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptEntry))
	assert.True(t, faults.Is(err, faults.ClassCorrupted))

	items, err = q.List()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Base(good)}, paths(items))

	archived := filepath.Join(q.archiveDir, WeekAligned(time.UTC).Name(ArchiveBadData, "json", epoch))
	content, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Equal(t, "\"{not json\"\n", string(content))
}

func TestRead_MissingPayloadIsCorrupt(t *testing.T) {
	q := newTestQueue(t, 0)
	bad := filepath.Join(q.Dir(), "5-0.data")
	require.NoError(t, os.WriteFile(bad, []byte(`{"time": 5}`), 0o644))

	_, err := q.Read(bad)
	assert.True(t, errors.Is(err, ErrCorruptEntry))
	_, statErr := os.Stat(bad)
	assert.True(t, os.IsNotExist(statErr))
}

// ============================================================
// Ordering
// ============================================================

func TestList_OrdersByStoredKey(t *testing.T) {
	q := newTestQueue(t, 0)

	// Enqueue out of order; 1000 collides twice.
	for _, ms := range []int64{3000, 1000, 20000, 1000, 200} {
		_, err := q.Enqueue(NewEntry("x", time.UnixMilli(ms), ""))
		require.NoError(t, err)
	}

	items, err := q.List()
	require.NoError(t, err)

	var keys []SortKey
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	assert.Equal(t, []SortKey{
		{200, 0}, {1000, 0}, {1000, 1}, {3000, 0}, {20000, 0},
	}, keys)
}

func TestList_KeyComesFromMetadataNotName(t *testing.T) {
	q := newTestQueue(t, 0)

	// A file whose name disagrees with its content sorts by content.
	data, err := NewEntry("late", time.UnixMilli(9000), "").MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(q.Dir(), "1-0.data"), data, 0o644))

	_, err = q.Enqueue(NewEntry("early", time.UnixMilli(5000), ""))
	require.NoError(t, err)

	items, err := q.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"5000-0.data", "1-0.data"}, paths(items))
}

func TestList_SurvivesReopen(t *testing.T) {
	q := newTestQueue(t, 0)
	path, err := q.Enqueue(NewEntry("persist", epoch, ""))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := Open(Options{Dir: q.Dir()})
	require.NoError(t, err)
	items, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, path, items[0].Path)
	assert.Equal(t, epoch.UnixMilli(), items[0].Key.CapturedMs)
}

func TestPending_CollisionDelay(t *testing.T) {
	q := newTestQueue(t, time.Second)

	_, err := q.Enqueue(NewEntry("old", epoch.Add(-5*time.Second), ""))
	require.NoError(t, err)
	_, err = q.Enqueue(NewEntry("fresh", epoch.Add(-500*time.Millisecond), ""))
	require.NoError(t, err)
	_, err = q.Enqueue(NewEntry("future", epoch.Add(3*time.Second), ""))
	require.NoError(t, err)

	items, err := q.Pending(epoch)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, epoch.Add(-5*time.Second).UnixMilli(), items[0].Key.CapturedMs)
	assert.Equal(t, epoch.Add(3*time.Second).UnixMilli(), items[1].Key.CapturedMs)

	all, err := q.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// ============================================================
// Archive
// ============================================================

func TestArchive_AppendsJSONLinesAndRemoves(t *testing.T) {
	q := newTestQueue(t, 0)

	var contents []string
	for _, p := range []string{"one", "two"} {
		path, err := q.Enqueue(NewEntry(p, epoch, "s"))
		require.NoError(t, err)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		contents = append(contents, string(raw))
		require.NoError(t, q.Archive(path, ArchiveConsumed))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	}

	name := WeekAligned(time.UTC).Name(ArchiveConsumed, "json", epoch)
	data, err := os.ReadFile(filepath.Join(q.archiveDir, name))
	require.NoError(t, err)
	assert.Equal(t, contents[0]+"\n"+contents[1]+"\n", string(data))

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchive_FailureLeavesEntry(t *testing.T) {
	q := newTestQueue(t, 0)

	err := q.Archive(filepath.Join(q.Dir(), "missing.data"), ArchiveConsumed)
	assert.Error(t, err)
}

func TestWatch_SignalsOnEnqueue(t *testing.T) {
	q := newTestQueue(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := q.Watch(ctx)
	require.NoError(t, err)

	_, err = q.Enqueue(NewEntry("x", epoch, ""))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no watch signal after enqueue")
	}
}
