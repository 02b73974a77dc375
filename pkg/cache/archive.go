// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cache

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"

	"github.com/Thermoquad/buoygate/pkg/clock"
)

// Archive names used by the gateway.
const (
	ArchiveConsumed = "archive"
	ArchiveBadData  = "bad_data"
	ArchiveInvalid  = "invalid"
	ArchiveMessages = "messages"
)

// Archiver moves a queue file into a named archive. The original file is
// removed only on success.
type Archiver interface {
	Archive(path, name string) error
	Close() error
}

// ArchiveOptions configure an ArchiveManager.
type ArchiveOptions struct {
	Dir      string
	Rolling  RollingFilename
	Compress bool // zstd rolled-out and set-aside files
	Clock    clock.Clock
	Logger   *slog.Logger
}

// ArchiveManager appends archived entries as JSON lines to one open file
// per archive name, rolling files on period boundaries.
type ArchiveManager struct {
	dir      string
	rolling  RollingFilename
	compress bool
	clock    clock.Clock
	log      *slog.Logger

	mu      sync.Mutex
	handles map[string]*archiveHandle
}

type archiveHandle struct {
	file *os.File
	path string
}

// NewArchiveManager creates the archive directory if needed.
func NewArchiveManager(opts ArchiveOptions) (*ArchiveManager, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ArchiveManager{
		dir:      opts.Dir,
		rolling:  opts.Rolling,
		compress: opts.Compress,
		clock:    clock.Or(opts.Clock),
		log:      log.With("component", "archive"),
		handles:  make(map[string]*archiveHandle),
	}, nil
}

// Archive appends the contents of path to the named archive as one line
// and removes path. See archiveLine for how non-JSON contents are stored.
func (m *ArchiveManager) Archive(path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.handle(name)
	if err != nil {
		return err
	}
	if _, err := h.file.Write(archiveLine(data)); err != nil {
		m.drop(name)
		return fmt.Errorf("appending to %s: %w", h.path, err)
	}
	if err := h.file.Sync(); err != nil {
		m.drop(name)
		return fmt.Errorf("syncing %s: %w", h.path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// rawEntry holds archived bytes that are not valid UTF-8.
type rawEntry struct {
	Base64 string `json:"base64"`
}

// archiveLine renders data as a single newline-terminated JSON value.
// Valid JSON is compacted, other text becomes a JSON string and anything
// else is wrapped as {"base64": ...}.
func archiveLine(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if json.Valid(trimmed) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			buf.WriteByte('\n')
			return buf.Bytes()
		}
	}

	var line []byte
	if utf8.Valid(data) {
		line, _ = json.Marshal(string(data))
	} else {
		line, _ = json.Marshal(rawEntry{Base64: base64.StdEncoding.EncodeToString(data)})
	}
	return append(line, '\n')
}

// handle returns the open file for name, rolling it when the period
// changed. Caller holds m.mu.
func (m *ArchiveManager) handle(name string) (*archiveHandle, error) {
	target := filepath.Join(m.dir, m.rolling.Name(name, "json", m.clock.Now()))

	if h, ok := m.handles[name]; ok {
		if h.path == target {
			return h, nil
		}
		m.drop(name)
		if m.compress {
			m.compressInBackground(h.path)
		}
	}

	f, err := m.open(target)
	if err != nil {
		return nil, err
	}
	h := &archiveHandle{file: f, path: target}
	m.handles[name] = h
	return h, nil
}

// open opens target for append. If that fails the existing file is set
// aside with a timestamp suffix and the open is retried once.
func (m *ArchiveManager) open(target string) (*os.File, error) {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err == nil {
		return f, nil
	}

	aside := fmt.Sprintf("%s.%s", target, m.clock.Now().Format(TimestampFormat))
	if rerr := os.Rename(target, aside); rerr != nil {
		return nil, fmt.Errorf("opening archive %s: %w", target, err)
	}
	m.log.Warn("archive could not be opened, moved aside", "path", target, "aside", aside, "error", err)
	if m.compress {
		m.compressInBackground(aside)
	}

	f, err = os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s after setting aside: %w", target, err)
	}
	return f, nil
}

// drop closes and forgets the handle for name. Caller holds m.mu.
func (m *ArchiveManager) drop(name string) {
	if h, ok := m.handles[name]; ok {
		if err := h.file.Close(); err != nil {
			m.log.Error("closing archive", "path", h.path, "error", err)
		}
		delete(m.handles, name)
	}
}

func (m *ArchiveManager) compressInBackground(path string) {
	go func() {
		if err := CompressFile(path); err != nil {
			m.log.Error("compressing archive", "path", path, "error", err)
			return
		}
		m.log.Info("compressed archive", "path", path+".zst")
	}()
}

// Open reports the files currently held open, keyed by archive name.
func (m *ArchiveManager) Open() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.handles))
	for name, h := range m.handles {
		out[name] = h.path
	}
	return out
}

// Close closes every open archive file.
func (m *ArchiveManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for name, h := range m.handles {
		if err := h.file.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing archive %s: %w", name, err)
		}
	}
	m.handles = make(map[string]*archiveHandle)
	return first
}

// CompressFile writes path+".zst" and removes path.
func CompressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	outPath := path + ".zst"
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// DecompressFile returns the contents of a zstd archive.
func DecompressFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

// DirectoryArchive moves archived files into <Dir>/<name>/.
type DirectoryArchive struct {
	Dir string
}

// Archive implements Archiver
func (d DirectoryArchive) Archive(path, name string) error {
	dest := filepath.Join(d.Dir, name)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dest, filepath.Base(path)))
}

// Close implements Archiver
func (DirectoryArchive) Close() error { return nil }

// DiscardArchive deletes archived files.
type DiscardArchive struct{}

// Archive implements Archiver
func (DiscardArchive) Archive(path, _ string) error { return os.Remove(path) }

// Close implements Archiver
func (DiscardArchive) Close() error { return nil }
