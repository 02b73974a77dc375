// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package operator is the operator side of the bus: it sends requests to
// nodes, follows responses by tx_id and drives calibrations.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/Thermoquad/buoygate/pkg/bus"
	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/commander"
)

// Client publishes operator requests.
type Client struct {
	bus    bus.Bus
	topics commander.Topics
	clk    clock.Clock
	log    *slog.Logger

	mu     sync.Mutex
	lastTx int64
}

// NewClient creates a client on b.
func NewClient(b bus.Bus, topics commander.Topics, clk clock.Clock, log *slog.Logger) *Client {
	if topics == (commander.Topics{}) {
		topics = commander.DefaultTopics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{bus: b, topics: topics, clk: clock.Or(clk), log: log}
}

// NewTxID returns a millisecond timestamp, bumped so ids from this client
// never repeat.
func (c *Client) NewTxID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := clock.Millis(c.clk.Now())
	if ms <= c.lastTx {
		ms = c.lastTx + 1
	}
	c.lastTx = ms
	return strconv.FormatInt(ms, 10)
}

// SendCommand publishes req to node, assigning a tx_id when it has none.
func (c *Client) SendCommand(ctx context.Context, node string, req commander.Request) (string, error) {
	if req.TxID == "" {
		req.TxID = commander.TxID(c.NewTxID())
	}
	if err := c.publish(ctx, c.topics.NodeSubject(node), req); err != nil {
		return "", err
	}
	c.log.Debug("sent command", "node", node, "request", req.Request, "tx_id", req.TxID)
	return string(req.TxID), nil
}

// Ping broadcasts a ping. The gateway answers with a status response.
func (c *Client) Ping(ctx context.Context) (string, error) {
	tx := c.NewTxID()
	return tx, c.PingTx(ctx, tx)
}

// PingTx broadcasts a ping with a caller chosen tx_id, so a waiter can
// expect it before it is sent.
func (c *Client) PingTx(ctx context.Context, tx string) error {
	req := commander.Request{Request: commander.RequestPing, TxID: commander.TxID(tx)}
	return c.publish(ctx, c.topics.Nodes, req)
}

// Mode asks node to change mode.
func (c *Client) Mode(ctx context.Context, node, mode string) (string, error) {
	return c.SendCommand(ctx, node, commander.Request{Request: commander.RequestMode, Mode: mode})
}

func (c *Client) publish(ctx context.Context, subject string, req commander.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", req.Request, subject, err)
	}
	return nil
}

// Event is a message seen on the master or data subject.
type Event struct {
	Subject  string
	Response *commander.Response
	Notify   *commander.Notify
	Data     *commander.Data
}

// Listen delivers master and data subject traffic to h until the returned
// stop function is called.
func (c *Client) Listen(h func(Event)) (func(), error) {
	var subs []bus.Subscription
	stop := func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}

	master, err := c.bus.Subscribe(c.topics.Master, func(m bus.Message) {
		ev, err := commander.DecodeEvent(m.Data)
		if err != nil {
			c.log.Warn("undecodable event", "subject", m.Subject, "error", err)
			return
		}
		h(Event{Subject: m.Subject, Response: ev.Response, Notify: ev.Notify})
	})
	if err != nil {
		return nil, err
	}
	subs = append(subs, master)

	data, err := c.bus.Subscribe(c.topics.Data, func(m bus.Message) {
		var d commander.Data
		if err := json.Unmarshal(m.Data, &d); err != nil {
			c.log.Warn("undecodable data", "subject", m.Subject, "error", err)
			return
		}
		h(Event{Subject: m.Subject, Data: &d})
	})
	if err != nil {
		stop()
		return nil, err
	}
	subs = append(subs, data)
	return stop, nil
}
