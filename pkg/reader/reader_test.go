// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package reader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/metrics"
	"github.com/Thermoquad/buoygate/pkg/protocol"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

func newQueue(t *testing.T) (*cache.Queue, string) {
	t.Helper()
	root := t.TempDir()
	archive := filepath.Join(root, "archive")
	q, err := cache.Open(cache.Options{
		Dir:      filepath.Join(root, "cache"),
		Archiver: cache.DirectoryArchive{Dir: archive},
	})
	require.NoError(t, err)
	return q, archive
}

// onceDialer hands out conn, then blocks until ctx is done.
func onceDialer(conn net.Conn) Dialer {
	used := false
	return func(ctx context.Context) (transport.Connection, error) {
		if !used {
			used = true
			return conn, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func startReader(t *testing.T, opts Options) (net.Conn, context.CancelFunc) {
	t.Helper()
	node, gateway := net.Pipe()
	opts.Dial = onceDialer(gateway)
	r, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		node.Close()
		<-done
	})
	return node, cancel
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func entries(t *testing.T, q *cache.Queue) []*cache.Entry {
	t.Helper()
	items, err := q.List()
	require.NoError(t, err)
	var out []*cache.Entry
	for _, it := range items {
		e, err := q.Read(it.Path)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// ============================================================
// Reader
// ============================================================

func TestReader_StoresThenAcks(t *testing.T) {
	q, archive := newQueue(t)
	counter := metrics.NewRegistry().Counter("reader")
	node, _ := startReader(t, Options{
		Name:     "radio",
		Ingest:   Ingest{Queue: q, Verifier: protocol.NewLengthVerifier(), Counter: counter},
		StreamID: "radio0",
	})
	acks := bufio.NewReader(node)

	_, err := node.Write([]byte("noise" + "BEGIN\nDATA\n99\nEND\n"))
	require.NoError(t, err)
	assert.Equal(t, "NA\n", readLine(t, acks))

	good := protocol.DefaultFraming.Wrap("NOTIFY\nHELLO: identifier: buoy1, version: 0.99")
	_, err = node.Write([]byte(good))
	require.NoError(t, err)
	assert.Equal(t, "OK\n", readLine(t, acks))

	stored := entries(t, q)
	require.Len(t, stored, 1)
	assert.Equal(t, "radio0", stored[0].StreamID)
	assert.Equal(t, "BEGIN\nNOTIFY\nHELLO: identifier: buoy1, version: 0.99\n46\nEND", stored[0].Text())

	invalid, err := os.ReadDir(filepath.Join(archive, cache.ArchiveInvalid))
	require.NoError(t, err)
	assert.Len(t, invalid, 1)
	assert.Equal(t, uint64(2), counter.Count(metrics.EventRead))
	assert.Equal(t, uint64(1), counter.Count(metrics.EventInvalid))
}

func TestReader_DropsCarriageReturns(t *testing.T) {
	q, _ := newQueue(t)
	node, _ := startReader(t, Options{
		Ingest: Ingest{Queue: q, Verifier: protocol.AcceptAll{Ack: "OK"}, DropCR: true},
	})

	_, err := node.Write([]byte("BEGIN\r\nX\r\nEND\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK\n", readLine(t, bufio.NewReader(node)))

	stored := entries(t, q)
	require.Len(t, stored, 1)
	assert.Equal(t, "BEGIN\nX\nEND", stored[0].Text())
	assert.Equal(t, "reader", stored[0].StreamID)
}

func TestReader_IgnoresStartupData(t *testing.T) {
	q, _ := newQueue(t)
	node, _ := startReader(t, Options{
		Ingest: Ingest{Queue: q, Verifier: protocol.AcceptAll{Ack: "OK"}, StartupIgnore: 200 * time.Millisecond},
	})

	_, err := node.Write([]byte("BEGIN\nstale\nEND\n"))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)

	_, err = node.Write([]byte("BEGIN\nfresh\nEND\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK\n", readLine(t, bufio.NewReader(node)))

	stored := entries(t, q)
	require.Len(t, stored, 1)
	assert.Equal(t, "BEGIN\nfresh\nEND", stored[0].Text())
}

func TestReader_RegistersStream(t *testing.T) {
	q, _ := newQueue(t)
	streams := NewStreams(true, nil)
	node, _ := startReader(t, Options{
		StreamID: "radio0",
		Ingest:   Ingest{Queue: q, Verifier: protocol.AcceptAll{Ack: "OK"}, Streams: streams},
	})

	// The first ack proves the reader is serving.
	node.Write([]byte("BEGIN\nX\nEND\n"))
	r := bufio.NewReader(node)
	readLine(t, r)
	assert.Equal(t, []string{"radio0"}, streams.IDs())

	go streams.Write("radio0", "BEGIN\nQUEUE 1\nLENGTH 0\nEND", 0)
	line := readLine(t, r)
	assert.Equal(t, "BEGIN\n", line)
}

func TestNew_Requires(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	q, _ := newQueue(t)
	_, err = New(Options{Ingest: Ingest{Queue: q}})
	assert.Error(t, err)
}

// ============================================================
// Streams
// ============================================================

func TestStreams_Write(t *testing.T) {
	var confirmed []uint8
	s := NewStreams(false, nil)
	s.SetConfirm(func(id uint8) bool {
		confirmed = append(confirmed, id)
		return true
	})

	err := s.Write("nope", "x", 1)
	assert.True(t, errors.Is(err, ErrUnknownStream))

	var buf bytes.Buffer
	_, unregister := s.Register("s1", &buf)
	require.NoError(t, s.Write("s1", "BEGIN\nMODE 1\nlive\nEND", 7))
	require.NoError(t, s.Write("s1", "BEGIN\nQUEUE 1\nLENGTH 0\nEND", 0))

	assert.Equal(t, "BEGIN\nMODE 1\nlive\nEND\nBEGIN\nQUEUE 1\nLENGTH 0\nEND\n", buf.String())
	assert.Equal(t, []uint8{7}, confirmed)
	assert.False(t, s.AutoAck())

	unregister()
	assert.Empty(t, s.IDs())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("link down") }

func TestStreams_ConfirmOnlyAfterSuccessfulWrite(t *testing.T) {
	tests := []struct {
		name    string
		autoAck bool
		w       io.Writer
		wantErr bool
		want    []uint8
	}{
		{name: "write ok", w: &bytes.Buffer{}, want: []uint8{3}},
		{name: "write failed", w: failingWriter{}, wantErr: true},
		{name: "auto ack", autoAck: true, w: &bytes.Buffer{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var confirmed []uint8
			s := NewStreams(tt.autoAck, nil)
			s.SetConfirm(func(id uint8) bool {
				confirmed = append(confirmed, id)
				return true
			})
			s.Register("s1", tt.w)

			err := s.Write("s1", "BEGIN\nMODE 1\nlive\nEND", 3)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, confirmed)
		})
	}
}

func TestStreams_NewerRegistrationWins(t *testing.T) {
	s := NewStreams(true, nil)
	var a, b bytes.Buffer
	_, unregisterA := s.Register("s1", &a)
	s.Register("s1", &b)
	unregisterA()

	require.NoError(t, s.Write("s1", "x", 0))
	assert.Empty(t, a.String())
	assert.Equal(t, "x\n", b.String())
}

// ============================================================
// Listener
// ============================================================

func startListener(t *testing.T, opts ListenerOptions) net.Addr {
	t.Helper()
	opts.Address = "127.0.0.1:0"
	l, err := NewListener(opts)
	require.NoError(t, err)
	addr, err := l.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return addr
}

func TestListener_StreamPerClient(t *testing.T) {
	q, _ := newQueue(t)
	addr := startListener(t, ListenerOptions{Ingest: Ingest{Queue: q, Verifier: protocol.AcceptAll{Ack: "OK"}}})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("BEGIN\nX\nEND\n"))
	require.NoError(t, err)
	assert.Equal(t, "OK\n", readLine(t, bufio.NewReader(conn)))

	stored := entries(t, q)
	require.Len(t, stored, 1)
	assert.Equal(t, conn.LocalAddr().String(), stored[0].StreamID)
}

func TestListener_AllowList(t *testing.T) {
	q, _ := newQueue(t)
	addr := startListener(t, ListenerOptions{
		Ingest: Ingest{Queue: q},
		Allow:  []string{"10.0.0.0/8"},
	})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = NewListener(ListenerOptions{Ingest: Ingest{Queue: q}, Allow: []string{"not-a-cidr"}})
	assert.Error(t, err)
}
