// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cache implements the durable file-system queue that sits between
// readers, processors and the commander.
//
// Each entry is a JSON file named "<capture ms>-<seq>.data", written under
// a temporary name and linked into place so a consumer never sees a partial
// entry. The presence of the file is the only liveness signal: consumers
// that find a file gone treat the entry as handled elsewhere.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
)

const (
	entryExt = ".data"
	tempExt  = ".tmp"

	// maxSeq bounds the collision search within one millisecond.
	maxSeq = 1 << 16
)

// Options configure a Queue.
type Options struct {
	Dir string
	// CollisionDelay hides entries whose capture time is within this window
	// of now from Pending.
	CollisionDelay time.Duration
	Archiver       Archiver
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Item is a listed queue entry.
type Item struct {
	Path    string
	Key     SortKey
	Corrupt bool // metadata could not be decoded; Read will archive it
}

// ID returns the file name without extension.
func (i Item) ID() string {
	return strings.TrimSuffix(filepath.Base(i.Path), entryExt)
}

// Queue is a directory of entry files.
type Queue struct {
	dir      string
	delay    time.Duration
	archiver Archiver
	clock    clock.Clock
	log      *slog.Logger

	mu sync.Mutex
}

// Open creates dir if needed and returns a queue over it. A nil archiver
// discards archived entries.
func Open(opts Options) (*Queue, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	archiver := opts.Archiver
	if archiver == nil {
		archiver = DiscardArchive{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		dir:      opts.Dir,
		delay:    opts.CollisionDelay,
		archiver: archiver,
		clock:    clock.Or(opts.Clock),
		log:      log.With("cache", opts.Dir),
	}, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Enqueue durably stores e and returns its path. The entry's Seq is chosen
// here. Errors are the caller's to handle.
func (q *Queue) Enqueue(e Entry) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for seq := 0; seq < maxSeq; seq++ {
		final := filepath.Join(q.dir, fmt.Sprintf("%d-%d%s", e.CapturedAt, seq, entryExt))
		if _, err := os.Lstat(final); err == nil {
			continue
		}

		e.Seq = seq
		data, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("encoding entry: %w", err)
		}

		tmp, err := q.writeTemp(data)
		if err != nil {
			return "", err
		}
		// Link fails if another writer claimed the name first.
		err = os.Link(tmp, final)
		os.Remove(tmp)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("publishing entry: %w", err)
		}
		syncDir(q.dir)

		q.log.Debug("wrote cache entry", "path", final)
		return final, nil
	}
	return "", fmt.Errorf("cache: no free sequence for timestamp %d", e.CapturedAt)
}

func (q *Queue) writeTemp(data []byte) (string, error) {
	tmp := filepath.Join(q.dir, uuid.NewString()+tempExt)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating temp entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("writing temp entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("syncing temp entry: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("closing temp entry: %w", err)
	}
	return tmp, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// List returns every entry oldest first, ordered by the key stored in the
// entry. Undecodable entries sort first so the next Read retires them.
func (q *Queue) List() ([]Item, error) {
	dirents, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("listing cache: %w", err)
	}

	items := make([]Item, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryExt) {
			continue
		}
		path := filepath.Join(q.dir, de.Name())
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		item := Item{Path: path}
		if err != nil {
			item.Corrupt = true
		} else if key, kerr := decodeKey(data); kerr != nil {
			item.Corrupt = true
		} else {
			item.Key = key
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Corrupt != items[j].Corrupt {
			return items[i].Corrupt
		}
		if items[i].Key != items[j].Key {
			return items[i].Key.Less(items[j].Key)
		}
		return items[i].Path < items[j].Path
	})
	return items, nil
}

// Pending is List without entries captured within the collision delay of
// now.
func (q *Queue) Pending(now time.Time) ([]Item, error) {
	items, err := q.List()
	if err != nil || q.delay <= 0 {
		return items, err
	}

	nowMs := now.UnixMilli()
	window := q.delay.Milliseconds()
	ready := items[:0]
	for _, it := range items {
		diff := nowMs - it.Key.CapturedMs
		if diff < 0 {
			diff = -diff
		}
		if it.Corrupt || diff > window {
			ready = append(ready, it)
		}
	}
	return ready, nil
}

// Len counts entry files.
func (q *Queue) Len() (int, error) {
	dirents, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, de := range dirents {
		if strings.HasSuffix(de.Name(), entryExt) {
			n++
		}
	}
	return n, nil
}

// Read decodes the entry at path. A missing file yields an error matching
// os.ErrNotExist. An undecodable file is archived as bad data and yields
// ErrCorruptEntry classified as corrupted.
func (q *Queue) Read(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		q.log.Error("corrupted cache entry, de-caching", "path", path, "error", err)
		if aerr := q.Archive(path, ArchiveBadData); aerr != nil {
			q.log.Error("archiving corrupted entry", "path", path, "error", aerr)
		}
		return nil, faults.Corrupted(fmt.Errorf("%w: %s: %v", ErrCorruptEntry, filepath.Base(path), err))
	}
	return &e, nil
}

// Archive moves the entry at path into the named archive. On failure the
// entry stays in the queue.
func (q *Queue) Archive(path, name string) error {
	if err := q.archiver.Archive(path, name); err != nil {
		return fmt.Errorf("archiving %s as %s: %w", filepath.Base(path), name, err)
	}
	if _, err := os.Lstat(path); err == nil {
		q.log.Warn("archiver left file behind, deleting", "path", path)
		os.Remove(path)
	}
	q.log.Debug("de-cached", "path", path, "archive", name)
	return nil
}

// Close releases the archiver.
func (q *Queue) Close() error {
	return q.archiver.Close()
}
