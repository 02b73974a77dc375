// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package commander

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/buoygate/pkg/actor"
	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// ============================================================
// Remote Access
// ============================================================

func serveRemote(t *testing.T, h *harness) *actor.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	box := NewMailbox(h.c)
	boxDone := make(chan struct{})
	go func() {
		box.Run(ctx)
		close(boxDone)
	}()

	srv := actor.NewServer("gateway", nil)
	RegisterRPC(srv, box)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srvDone := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(srvDone)
	}()

	client, err := actor.Dial(ctx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-srvDone
		<-boxDone
	})
	return client
}

func TestRemote_NodesAndStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.UpdateNode("s2", "buoy2"))
	require.NoError(t, h.c.UpdateNode("s1", "buoy1"))
	client := serveRemote(t, h)

	nodes, err := RemoteNodes(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, []NodeInfo{{Node: "buoy1", StreamID: "s1"}, {Node: "buoy2", StreamID: "s2"}}, nodes)

	st, err := RemoteStatus(context.Background(), client)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, 0, st.Outstanding)
	assert.Len(t, st.Nodes, 2)
}

func TestRemote_QueueKeepsBodyOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.UpdateNode("s1", "buoy1"))
	client := serveRemote(t, h)

	var body protocol.Params
	body.Set("sensor", "ph")
	body.SetInt("points", 2)
	req := Request{Request: RequestCalibrate, TxID: "9", Body: body}
	require.NoError(t, RemoteQueue(context.Background(), client, "buoy1", req))
	assert.Equal(t, 1, h.queueLen(t, "buoy1"))

	require.NoError(t, h.c.SendNextQueued("buoy1"))
	assert.Equal(t, "BEGIN\nCALIBRATE 9\nsensor:ph,points:2\nEND", h.stream.last(t).payload)
}

func TestRemote_QueueRejectsBadRequest(t *testing.T) {
	h := newHarness(t)
	client := serveRemote(t, h)

	err := RemoteQueue(context.Background(), client, "buoy1", Request{Request: RequestMode, Mode: "sideways"})
	var remote *actor.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "gateway", remote.Remote)
	assert.Equal(t, MethodQueue, remote.Method)
	assert.Contains(t, remote.Message, "sideways")
}

func TestMailboxProcessor_RunsOnOwner(t *testing.T) {
	h := newHarness(t)
	box := NewMailbox(h.c)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		box.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	mp := MailboxProcessor{P: NewBusProcessor(h.c, false), Box: box}
	assert.True(t, mp.CanProcess())
	require.NoError(t, mp.Process(context.Background(), nodeEntry(protocol.NewHello("buoy1", "0.99"), "s1")))

	node, ok := h.c.NodeFor("s1")
	require.True(t, ok)
	assert.Equal(t, "buoy1", node)

	// Classified errors pass through unchanged.
	err := mp.Process(context.Background(), nodeEntry("GARBAGE", "s1"))
	assert.True(t, faults.Is(err, faults.ClassProtocol))
}

func TestMailboxProcessor_ShutdownIsTransient(t *testing.T) {
	h := newHarness(t)
	mp := MailboxProcessor{P: NewBusProcessor(h.c, false), Box: NewMailbox(h.c)}

	// Nothing runs the mailbox, so the call waits for the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := mp.Process(ctx, nodeEntry(protocol.NewHello("buoy1", "0.99"), "s1"))
	assert.True(t, faults.Is(err, faults.ClassTransient))
	_, known := h.c.NodeFor("s1")
	assert.False(t, known)
}
