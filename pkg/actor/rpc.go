// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ErrMismatchedReply means a reply carried another call's id.
var ErrMismatchedReply = errors.New("actor: reply for a different call")

// Request is one call on the wire.
type Request struct {
	ID     string     `cbor:"id"`
	Method string     `cbor:"method"`
	Args   RawMessage `cbor:"args,omitempty"`
}

// Reply answers the Request with the same ID.
type Reply struct {
	ID     string       `cbor:"id"`
	Result RawMessage   `cbor:"result,omitempty"`
	Error  *RemoteError `cbor:"error,omitempty"`
}

// HandlerFunc serves one method. args is the raw CBOR argument, nil when
// the caller sent none.
type HandlerFunc func(ctx context.Context, args RawMessage) (any, error)

// Server serves registered methods over a stream listener. A connection
// may carry any number of calls; they are answered in order.
type Server struct {
	name     string
	handlers map[string]HandlerFunc
	log      *slog.Logger
	conns    sync.WaitGroup
}

// NewServer creates a server whose errors name it as name.
func NewServer(name string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{name: name, handlers: make(map[string]HandlerFunc), log: log.With("rpc", name)}
}

// Handle registers h for method. It panics on a duplicate.
func (s *Server) Handle(method string, h HandlerFunc) {
	if _, ok := s.handlers[method]; ok {
		panic(fmt.Sprintf("actor: duplicate handler for %q", method))
	}
	s.handlers[method] = h
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info("rpc server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(ctx, conn)
		}()
	}
	s.conns.Wait()
	return ctx.Err()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := newDecoder(conn)
	enc := newEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Debug("dropping connection", "error", err)
			}
			return
		}
		if err := enc.Encode(s.dispatch(ctx, req)); err != nil {
			s.log.Debug("failed to write reply", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (reply Reply) {
	reply.ID = req.ID
	fail := func(msg string) Reply {
		reply.Error = &RemoteError{Remote: s.name, Method: req.Method, Message: msg}
		return reply
	}

	h, ok := s.handlers[req.Method]
	if !ok {
		return fail("unknown method")
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", "method", req.Method, "panic", r)
			reply = fail(fmt.Sprint(r))
		}
	}()

	v, err := h(ctx, req.Args)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			reply.Error = remote
			return reply
		}
		return fail(err.Error())
	}
	if v != nil {
		data, err := Marshal(v)
		if err != nil {
			return fail("encoding result: " + err.Error())
		}
		reply.Result = data
	}
	return reply
}

// Client calls a Server over one connection. Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

// Dial connects to a server.
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		enc:  newEncoder(conn),
		dec:  newDecoder(conn),
	}
}

// Call invokes method with args and decodes the result into result,
// which may be nil. A failure on the server side is a *RemoteError. After
// a transport error the client should be closed.
func (c *Client) Call(ctx context.Context, method string, args, result any) error {
	req := Request{ID: uuid.NewString(), Method: method}
	if args != nil {
		data, err := Marshal(args)
		if err != nil {
			return fmt.Errorf("encoding %s args: %w", method, err)
		}
		req.Args = data
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := c.enc.Encode(req); err != nil {
		return c.ioError(ctx, method, err)
	}
	var reply Reply
	if err := c.dec.Decode(&reply); err != nil {
		return c.ioError(ctx, method, err)
	}
	if reply.ID != req.ID {
		return fmt.Errorf("%s: %w", method, ErrMismatchedReply)
	}
	if reply.Error != nil {
		return reply.Error
	}
	if result != nil && len(reply.Result) > 0 {
		if err := Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) ioError(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
	return fmt.Errorf("%s: %w", method, err)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
