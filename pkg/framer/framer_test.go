// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package framer

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records emitted transactions.
type collector struct {
	streams      []string
	transactions []string
}

func (c *collector) handle(streamID, transaction string) {
	c.streams = append(c.streams, streamID)
	c.transactions = append(c.transactions, transaction)
}

func newTestFramer(t *testing.T, start, stop string, maxBuffer int) (*Framer, *collector) {
	t.Helper()
	c := &collector{}
	f, err := New("test", Options{Start: start, Stop: stop, MaxBuffer: maxBuffer}, c.handle)
	require.NoError(t, err)
	return f, c
}

// ============================================================
// Extraction
// ============================================================

func TestWrite_NoiseThenTransactionAcrossWrites(t *testing.T) {
	f, c := newTestFramer(t, "BEGIN", "END\n", 0)

	for _, chunk := range []string{"junk", "BEGIN\nX\n", "END\n"} {
		_, err := f.WriteString(chunk)
		require.NoError(t, err)
	}

	require.Equal(t, []string{"BEGIN\nX\nEND\n"}, c.transactions)
	assert.Equal(t, []string{"test"}, c.streams)
	assert.Equal(t, 0, f.Buffered())
}

func TestWrite_SingleTransaction(t *testing.T) {
	f, c := newTestFramer(t, "BEGIN", "END", 0)

	f.WriteString("BEGIN\nSomething\nEND")

	require.Len(t, c.transactions, 1)
	assert.Equal(t, "BEGIN\nSomething\nEND", c.transactions[0])
	assert.Len(t, strings.Split(c.transactions[0], "\n"), 3)
}

func TestWrite_MultipleTransactionsInOneWrite(t *testing.T) {
	f, c := newTestFramer(t, "BEGIN", "END", 0)

	f.WriteString("noiseBEGIN\n1\nEND--BEGIN\n2\nEND\nBEGIN\n3")

	assert.Equal(t, []string{"BEGIN\n1\nEND", "BEGIN\n2\nEND"}, c.transactions)
	assert.Equal(t, len("BEGIN\n3"), f.Buffered())

	f.WriteString("\nEND")
	assert.Equal(t, "BEGIN\n3\nEND", c.transactions[2])
}

func TestWrite_ByteAtATime(t *testing.T) {
	f, c := newTestFramer(t, "BEGIN", "END", 0)

	for _, b := range []byte("xxBEGIN\nbody\nEND yy") {
		f.Write([]byte{b})
	}

	assert.Equal(t, []string{"BEGIN\nbody\nEND"}, c.transactions)
}

func TestWrite_StopMustFollowStart(t *testing.T) {
	f, c := newTestFramer(t, "BEGIN", "END", 0)

	// A stop boundary before any start is noise.
	f.WriteString("END\nBEGIN\n")
	assert.Empty(t, c.transactions)

	f.WriteString("END")
	assert.Equal(t, []string{"BEGIN\nEND"}, c.transactions)
}

func TestWrite_Resynchronizes(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "noise before and after",
			chunks: []string{"@@@BEGIN\nA\nEND###"},
			want:   []string{"BEGIN\nA\nEND"},
		},
		{
			name:   "boundary split across writes",
			chunks: []string{"xxBEG", "IN\nA\nE", "ND"},
			want:   []string{"BEGIN\nA\nEND"},
		},
		{
			name:   "second start restarts nothing",
			chunks: []string{"BEGIN\nBEGIN\nA\nEND"},
			want:   []string{"BEGIN\nBEGIN\nA\nEND"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, c := newTestFramer(t, "BEGIN", "END", 0)
			for _, chunk := range tt.chunks {
				f.WriteString(chunk)
			}
			assert.Equal(t, tt.want, c.transactions)
		})
	}
}

func TestWrite_NoiseIsNotRetained(t *testing.T) {
	f, _ := newTestFramer(t, "BEGIN", "END", 0)

	f.WriteString(strings.Repeat("z", 1000))

	assert.Equal(t, len("BEGIN")-1, f.Buffered())
	_, dropped, _ := f.Stats()
	assert.Equal(t, uint64(1000-4), dropped)
}

// ============================================================
// Buffer Cap
// ============================================================

func TestWrite_OverflowDropsBuffer(t *testing.T) {
	f, c := newTestFramer(t, "BEGIN", "END", 32)

	_, err := f.WriteString("BEGIN\n" + strings.Repeat("a", 40))
	require.True(t, errors.Is(err, ErrBufferOverflow))
	assert.Equal(t, 0, f.Buffered())

	_, _, overflows := f.Stats()
	assert.Equal(t, uint64(1), overflows)

	// The framer keeps working after an overflow.
	_, err = f.WriteString("BEGIN\nok\nEND")
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN\nok\nEND"}, c.transactions)
}

func TestWrite_UnboundedWhenNegative(t *testing.T) {
	f, _ := newTestFramer(t, "BEGIN", "END", -1)

	_, err := f.WriteString("BEGIN" + strings.Repeat("a", DefaultMaxBuffer*2))
	require.NoError(t, err)
	assert.Greater(t, f.Buffered(), DefaultMaxBuffer)
}

// ============================================================
// Construction
// ============================================================

func TestNew_RequiresBoundaries(t *testing.T) {
	_, err := New("s", Options{Start: "BEGIN"}, nil)
	assert.Error(t, err)
}

func TestFactory_SharesOptions(t *testing.T) {
	fa := Factory{Options: Options{Start: "<", Stop: ">"}}
	got := map[string]string{}

	for _, id := range []string{"a", "b"} {
		f, err := fa.NewFramer(id, func(s, tx string) { got[s] = tx })
		require.NoError(t, err)
		f.WriteString("<" + id + ">")
	}

	assert.Equal(t, map[string]string{"a": "<a>", "b": "<b>"}, got)
}
