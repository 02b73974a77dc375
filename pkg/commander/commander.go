// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package commander bridges the operator bus and the nodes. Requests from
// the bus are queued per node and handed out when the node retrieves them;
// responses and notifications from nodes are republished on the bus.
package commander

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/buoygate/pkg/bus"
	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// Topics are the bus subjects the commander uses.
type Topics struct {
	Nodes  string // broadcast requests; "<Nodes>.<node>" is direct
	Master string // responses and notifications
	Data   string
}

// DefaultTopics returns the standard subjects.
func DefaultTopics() Topics {
	return Topics{Nodes: "nodes", Master: "master.maintenance", Data: "master.data"}
}

// NodeSubject returns the direct subject for node.
func (t Topics) NodeSubject(node string) string {
	return t.Nodes + "." + node
}

// CommandStream writes framed commands to the stream a node is on.
type CommandStream interface {
	// Write sends payload. A non-zero responseID asks the stream to confirm
	// delivery through HandleResponseFrame.
	Write(streamID, payload string, responseID uint8) error
	// AutoAck reports whether a successful Write already means delivered.
	AutoAck() bool
}

// Options configure a Commander.
type Options struct {
	Bus      bus.Bus
	Topics   Topics
	Platform string
	Nodes    *NodeMap
	Queues   *cache.Namespaced
	Stream   CommandStream
	Framing  protocol.Framing
	// RequestTimeout expires unconfirmed deliveries so they are resent.
	// Zero keeps them until confirmed.
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Commander correlates bus requests with node traffic.
type Commander struct {
	bus      bus.Bus
	topics   Topics
	platform string
	nodes    *NodeMap
	queues   *cache.Namespaced
	framing  protocol.Framing
	timeout  time.Duration
	clk      clock.Clock
	log      *slog.Logger

	outstanding *Outstanding

	// sendMu serializes SendNextQueued so two retrievals never pick the
	// same entry.
	sendMu sync.Mutex

	mu        sync.Mutex
	stream    CommandStream
	observers []func(Response)
	subs      []bus.Subscription
}

// New creates a commander. Start subscribes it to the bus.
func New(opts Options) (*Commander, error) {
	if opts.Bus == nil || opts.Nodes == nil || opts.Queues == nil {
		return nil, errors.New("commander: bus, node map and queues are required")
	}
	if opts.Topics == (Topics{}) {
		opts.Topics = DefaultTopics()
	}
	if opts.Platform == "" {
		opts.Platform = "default_platform"
	}
	if opts.Framing == (protocol.Framing{}) {
		opts.Framing = protocol.DefaultFraming
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Commander{
		bus:         opts.Bus,
		topics:      opts.Topics,
		platform:    opts.Platform,
		nodes:       opts.Nodes,
		queues:      opts.Queues,
		framing:     opts.Framing,
		timeout:     opts.RequestTimeout,
		clk:         clock.Or(opts.Clock),
		log:         log.With("worker", "commander"),
		outstanding: NewOutstanding(),
		stream:      opts.Stream,
	}, nil
}

// SetStream sets the command stream.
func (c *Commander) SetStream(s CommandStream) {
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()
}

func (c *Commander) commandStream() CommandStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// OnResponse registers fn to see every response before it is published.
func (c *Commander) OnResponse(fn func(Response)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Start subscribes to the node request subjects.
func (c *Commander) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) > 0 {
		return nil
	}
	for _, subject := range []string{c.topics.Nodes, c.topics.Nodes + ".*"} {
		sub, err := c.bus.Subscribe(subject, c.handle)
		if err != nil {
			for _, s := range c.subs {
				s.Unsubscribe()
			}
			c.subs = nil
			return fmt.Errorf("commander: %w", err)
		}
		c.subs = append(c.subs, sub)
	}
	c.log.Info("commander started", "nodes", c.topics.Nodes)
	return nil
}

// Stop unsubscribes from the bus.
func (c *Commander) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil
}

// Run starts the commander and blocks until ctx is done.
func (c *Commander) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// Connected reports whether the bus is up.
func (c *Commander) Connected() bool {
	return c.bus.Connected()
}

func (c *Commander) handle(msg bus.Message) {
	c.log.Info("got message", "subject", msg.Subject)
	req, err := DecodeRequest(msg.Data)
	if err != nil {
		c.log.Warn("dropping request", "subject", msg.Subject, "error", err)
		return
	}
	if err := c.Dispatch(context.Background(), msg.Subject, req); err != nil {
		c.log.Error("request failed", "request", req.Request, "subject", msg.Subject, "error", err)
	}
}

// Dispatch runs a request received on subject.
func (c *Commander) Dispatch(ctx context.Context, subject string, req Request) error {
	node, direct := strings.CutPrefix(subject, c.topics.Nodes+".")

	switch req.Request {
	case RequestPing:
		return c.Ping(ctx, string(req.TxID))
	case RequestMode, RequestCalibrate:
		if !direct || node == "" {
			c.log.Warn("ignoring non-direct request", "request", req.Request)
			return nil
		}
		return c.QueueToNode(node, req)
	}
	c.log.Warn("no command handler", "request", req.Request)
	return nil
}

// Ping publishes a status response listing the known nodes.
func (c *Commander) Ping(ctx context.Context, txID string) error {
	nodes := c.nodes.Nodes()
	body := make([]map[string]string, 0, len(nodes))
	for _, n := range nodes {
		body = append(body, map[string]string{"nodeIdentifier": n.Node})
	}
	return c.SendResponse(ctx, "", c.clk.Now(), ResponseStatus, body, txID, 0)
}

// QueueToNode stores req in the node's command queue.
func (c *Commander) QueueToNode(node string, req Request) error {
	if _, err := req.Command(); err != nil {
		return faults.Protocol(fmt.Errorf("queueing for %s: %w", node, err))
	}
	q, err := c.queues.Get(node)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	path, err := q.Enqueue(cache.NewEntry(string(payload), c.clk.Now(), node))
	if err != nil {
		return faults.Transient(fmt.Errorf("queueing for %s: %w", node, err))
	}
	c.log.Info("queued command", "node", node, "request", req.Request, "tx_id", req.TxID, "path", path)
	return nil
}

// SendNextQueued writes the oldest undelivered command for node to its
// stream, or an empty QUEUE reply when there is none. An unknown node is
// logged and ignored.
func (c *Commander) SendNextQueued(node string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	stream := c.commandStream()
	if stream == nil {
		return faults.Transient(errors.New("no command stream"))
	}
	streamID, ok := c.nodes.Stream(node)
	if !ok {
		c.log.Warn("no node identified by", "node", node)
		return nil
	}

	now := c.clk.Now()
	if c.timeout > 0 {
		for _, rec := range c.outstanding.Expire(now.Add(-c.timeout)) {
			c.log.Warn("delivery unconfirmed, will resend", "node", rec.Node, "response_id", rec.ResponseID)
		}
	}

	q, err := c.queues.Get(node)
	if err != nil {
		return err
	}
	items, err := q.List()
	if err != nil {
		return faults.Transient(err)
	}
	c.log.Info("messages in the queue", "node", node, "count", len(items))

	for _, item := range items {
		if c.outstanding.Pending(item.Path) {
			continue
		}
		command, ok := c.assemble(q, item)
		if !ok {
			continue
		}
		return c.deliver(stream, q, node, streamID, item, command, now)
	}

	empty := protocol.NewQueueEmpty(clock.Millis(now))
	if err := stream.Write(streamID, c.framing.WrapCommand(empty), NoResponseID); err != nil {
		return faults.Transient(fmt.Errorf("writing to %s: %w", streamID, err))
	}
	return nil
}

// assemble reads a queued request and builds its node command. Entries that
// can never be sent are archived.
func (c *Commander) assemble(q *cache.Queue, item cache.Item) (string, bool) {
	entry, err := q.Read(item.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("skipping queued command", "path", item.Path, "error", err)
		}
		return "", false
	}
	req, err := DecodeRequest(entry.Payload)
	if err == nil {
		var command string
		if command, err = req.Command(); err == nil {
			return command, true
		}
	}
	c.log.Error("invalid queued command", "path", item.Path, "error", err)
	if aerr := q.Archive(item.Path, cache.ArchiveInvalid); aerr != nil {
		c.log.Error("archiving invalid command", "path", item.Path, "error", aerr)
	}
	return "", false
}

func (c *Commander) deliver(stream CommandStream, q *cache.Queue, node, streamID string, item cache.Item, command string, now time.Time) error {
	wrapped := c.framing.WrapCommand(command)
	c.log.Info("sending to node", "node", node, "stream", streamID, "command", firstLine(command))

	if stream.AutoAck() {
		if err := stream.Write(streamID, wrapped, NoResponseID); err != nil {
			return faults.Transient(fmt.Errorf("writing to %s: %w", streamID, err))
		}
		return q.Archive(item.Path, cache.ArchiveMessages)
	}

	rec, err := c.outstanding.Reserve(Record{Node: node, Path: item.Path, SentAt: now})
	if err != nil {
		return faults.Transient(err)
	}
	if err := stream.Write(streamID, wrapped, rec.ResponseID); err != nil {
		c.outstanding.Take(rec.ResponseID)
		return faults.Transient(fmt.Errorf("writing to %s: %w", streamID, err))
	}
	return nil
}

// HandleResponseFrame confirms delivery of the command sent with
// responseID and archives it. Unknown ids are ignored.
func (c *Commander) HandleResponseFrame(responseID uint8) bool {
	rec, ok := c.outstanding.Take(responseID)
	if !ok {
		c.log.Debug("response frame without outstanding request", "response_id", responseID)
		return false
	}
	q, err := c.queues.Get(rec.Node)
	if err != nil {
		c.log.Error("confirming delivery", "node", rec.Node, "error", err)
		return true
	}
	if err := q.Archive(rec.Path, cache.ArchiveMessages); err != nil {
		c.log.Error("archiving delivered command", "node", rec.Node, "path", rec.Path, "error", err)
	}
	return true
}

// Register records the response id of a command written outside
// SendNextQueued. A duplicate id is a fault.
func (c *Commander) Register(rec Record) error {
	if err := c.outstanding.Add(rec); err != nil {
		return faults.Fault(err)
	}
	return nil
}

// Outstanding returns the number of unconfirmed deliveries.
func (c *Commander) Outstanding() int {
	return c.outstanding.Len()
}

// UpdateNode records the node seen on streamID.
func (c *Commander) UpdateNode(streamID, node string) error {
	return c.nodes.Update(streamID, node)
}

// NodeFor returns the node on streamID.
func (c *Commander) NodeFor(streamID string) (string, bool) {
	return c.nodes.Node(streamID)
}

// Nodes lists the known nodes.
func (c *Commander) Nodes() []NodeInfo {
	return c.nodes.Nodes()
}

// SendResponse publishes a node response. timeout is in seconds from ts.
func (c *Commander) SendResponse(ctx context.Context, streamID string, ts time.Time, kind string, body any, txID string, timeout int) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp := Response{
		Response:  lower(kind),
		Timestamp: FormatTimestamp(ts),
		Platform:  c.platform,
		TxID:      TxID(txID),
		Timeout:   FormatTimestamp(ts.Add(time.Duration(timeout) * time.Second)),
		Body:      raw,
	}
	if streamID != "" {
		resp.Node, _ = c.nodes.Node(streamID)
	}

	c.mu.Lock()
	observers := append([]func(Response){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(resp)
	}
	return c.publish(ctx, c.topics.Master, resp)
}

// SendNotify publishes a node notification.
func (c *Commander) SendNotify(ctx context.Context, streamID string, ts time.Time, kind string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	n := Notify{
		Notify:    lower(kind),
		Timestamp: FormatTimestamp(ts),
		Platform:  c.platform,
		Body:      raw,
	}
	if streamID != "" {
		n.Node, _ = c.nodes.Node(streamID)
	}
	return c.publish(ctx, c.topics.Master, n)
}

// SendData publishes a telemetry transaction.
func (c *Commander) SendData(ctx context.Context, streamID string, ts time.Time, data string) error {
	node, _ := c.nodes.Node(streamID)
	return c.publish(ctx, c.topics.Data, Data{
		Node:      node,
		Platform:  c.platform,
		Timestamp: FormatTimestamp(ts),
		Data:      data,
	})
}

func (c *Commander) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, subject, data); err != nil {
		return faults.Transient(fmt.Errorf("publishing to %s: %w", subject, err))
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
