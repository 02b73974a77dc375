// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package commander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

var (
	// ErrUnhandled is returned for node messages this processor does not
	// forward, so a composite sink can let another sink take them.
	ErrUnhandled = faults.Protocol(errors.New("unhandled node message"))

	// ErrUnknownStream means a response arrived from a stream that never
	// said HELLO.
	ErrUnknownStream = errors.New("no node identified on stream")
)

// BusProcessor forwards node transactions from the durable queue to the
// commander: notifications and responses go to the bus, RETRIEVE hands
// out the next queued command.
type BusProcessor struct {
	c        *Commander
	sendData bool
	log      *slog.Logger
}

// NewBusProcessor creates a processor for c. With sendData, DATA
// transactions are published on the data subject.
func NewBusProcessor(c *Commander, sendData bool) *BusProcessor {
	return &BusProcessor{c: c, sendData: sendData, log: c.log.With("processor", "bus")}
}

// CanProcess holds entries in the queue while the bus is down.
func (p *BusProcessor) CanProcess() bool {
	return p.c.Connected()
}

// Process handles one queue entry.
func (p *BusProcessor) Process(ctx context.Context, e *cache.Entry) error {
	msg, err := protocol.Parse(e.Text(), p.c.framing)
	if err != nil {
		return faults.Protocol(err)
	}
	ts := e.Captured()

	switch msg.Kind {
	case protocol.KindNotify:
		kind, params := msg.Section()
		if kind == protocol.SectionHello {
			id := params.Value(protocol.KeyIdentifier)
			if id == "" {
				return faults.Protocolf("HELLO without identifier on %s", e.StreamID)
			}
			if err := p.c.UpdateNode(e.StreamID, id); err != nil {
				return faults.Protocol(err)
			}
		}
		return p.c.SendNotify(ctx, e.StreamID, ts, kind, params)

	case protocol.KindResponse:
		if _, ok := p.c.NodeFor(e.StreamID); !ok {
			return faults.Protocol(fmt.Errorf("%w %s", ErrUnknownStream, e.StreamID))
		}
		kind, params := msg.Section()
		return p.c.SendResponse(ctx, e.StreamID, ts, kind, params, msg.TxID, msg.Timeout)

	case protocol.KindData:
		if !p.sendData {
			return ErrUnhandled
		}
		if _, ok := p.c.NodeFor(e.StreamID); !ok {
			return faults.Protocol(fmt.Errorf("%w %s", ErrUnknownStream, e.StreamID))
		}
		return p.c.SendData(ctx, e.StreamID, ts, e.Text())

	case protocol.KindRetrieve:
		kind, params := msg.Section()
		id := params.Value(protocol.KeyIdentifier)
		if kind != protocol.SectionMessage || id == "" {
			return faults.Protocolf("malformed RETRIEVE from %s", e.StreamID)
		}
		// Stream ids change when a node reconnects over TCP.
		if known, ok := p.c.NodeFor(e.StreamID); !ok || known != id {
			if err := p.c.UpdateNode(e.StreamID, id); err != nil {
				return faults.Protocol(err)
			}
		}
		return p.c.SendNextQueued(id)
	}

	p.log.Info("got unrecognised message", "verb", msg.Verb, "stream", e.StreamID)
	return ErrUnhandled
}
