// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package commander

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Thermoquad/buoygate/pkg/actor"
	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/faults"
)

// RPC method names served by RegisterRPC.
const (
	MethodNodes  = "nodes"
	MethodStatus = "status"
	MethodQueue  = "queue"
)

// Status summarises a running commander.
type Status struct {
	Connected   bool       `cbor:"connected"`
	Outstanding int        `cbor:"outstanding"`
	Nodes       []NodeInfo `cbor:"nodes"`
}

// queueArgs carries a request as its bus JSON so the body keeps its
// parameter order.
type queueArgs struct {
	Node    string `cbor:"node"`
	Request []byte `cbor:"request"`
}

// NewMailbox wraps c so other workers reach it through one owner.
func NewMailbox(c *Commander) *actor.Mailbox[*Commander] {
	return actor.NewMailbox("commander", c, 0)
}

// MailboxProcessor runs a BusProcessor on the commander's owner
// goroutine.
type MailboxProcessor struct {
	P   *BusProcessor
	Box *actor.Mailbox[*Commander]
}

// CanProcess holds entries while the bus is down.
func (m MailboxProcessor) CanProcess() bool {
	return m.P.CanProcess()
}

// Process hands e to the mailbox. An entry interrupted by shutdown stays
// queued.
func (m MailboxProcessor) Process(ctx context.Context, e *cache.Entry) error {
	_, err := m.Box.Call(ctx, "process", func(*Commander) (any, error) {
		return nil, m.P.Process(ctx, e)
	})
	if err != nil && ctx.Err() != nil {
		return faults.Transient(err)
	}
	return err
}

// Status reports the commander's connection, outstanding and node state.
func (c *Commander) Status() Status {
	return Status{Connected: c.Connected(), Outstanding: c.Outstanding(), Nodes: c.Nodes()}
}

// RegisterRPC exposes the commander in box on s.
func RegisterRPC(s *actor.Server, box *actor.Mailbox[*Commander]) {
	s.Handle(MethodNodes, func(ctx context.Context, _ actor.RawMessage) (any, error) {
		return actor.Do(ctx, box, MethodNodes, func(c *Commander) ([]NodeInfo, error) {
			return c.Nodes(), nil
		})
	})
	s.Handle(MethodStatus, func(ctx context.Context, _ actor.RawMessage) (any, error) {
		return actor.Do(ctx, box, MethodStatus, func(c *Commander) (Status, error) {
			return c.Status(), nil
		})
	})
	s.Handle(MethodQueue, func(ctx context.Context, raw actor.RawMessage) (any, error) {
		var args queueArgs
		if err := actor.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decoding queue args: %w", err)
		}
		req, err := DecodeRequest(args.Request)
		if err != nil {
			return nil, err
		}
		_, err = box.Call(ctx, MethodQueue, func(c *Commander) (any, error) {
			return nil, c.QueueToNode(args.Node, req)
		})
		return nil, err
	})
}

// RemoteNodes lists the nodes known to a gateway.
func RemoteNodes(ctx context.Context, c *actor.Client) ([]NodeInfo, error) {
	var nodes []NodeInfo
	err := c.Call(ctx, MethodNodes, nil, &nodes)
	return nodes, err
}

// RemoteStatus fetches the gateway commander status.
func RemoteStatus(ctx context.Context, c *actor.Client) (Status, error) {
	var st Status
	err := c.Call(ctx, MethodStatus, nil, &st)
	return st, err
}

// RemoteQueue queues req for node on a gateway, bypassing the bus.
func RemoteQueue(ctx context.Context, c *actor.Client, node string, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.Call(ctx, MethodQueue, queueArgs{Node: node, Request: data}, nil)
}
