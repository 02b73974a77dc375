// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package actor gives shared objects a single owner goroutine. Callers in
// the same process go through a Mailbox; callers in other processes go
// through the CBOR socket Server and Client.
package actor

import (
	"context"
	"fmt"
)

// DefaultMailboxSize is the request channel depth when size is zero.
const DefaultMailboxSize = 16

// RemoteError is a failure raised on the other side of a mailbox or
// socket. It keeps the identity of the owner and the original message.
type RemoteError struct {
	Remote  string `cbor:"remote"`
	Method  string `cbor:"method,omitempty"`
	Message string `cbor:"message"`
}

func (e *RemoteError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: %s", e.Remote, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Remote, e.Method, e.Message)
}

type result struct {
	value any
	err   error
}

type call[T any] struct {
	method string
	fn     func(T) (any, error)
	reply  chan result
}

// Mailbox owns target and runs every call against it on the goroutine
// executing Run.
type Mailbox[T any] struct {
	name   string
	target T
	calls  chan call[T]
}

// NewMailbox creates a mailbox named name around target.
func NewMailbox[T any](name string, target T, size int) *Mailbox[T] {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Mailbox[T]{name: name, target: target, calls: make(chan call[T], size)}
}

// Name returns the mailbox identity used in RemoteError.
func (m *Mailbox[T]) Name() string {
	return m.name
}

// Run serves calls until ctx is cancelled. It may be restarted.
func (m *Mailbox[T]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-m.calls:
			c.reply <- m.invoke(c)
		}
	}
}

func (m *Mailbox[T]) invoke(c call[T]) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: &RemoteError{Remote: m.name, Method: c.method, Message: fmt.Sprint(r)}}
		}
	}()
	v, err := c.fn(m.target)
	return result{value: v, err: err}
}

// Call runs fn on the owner goroutine and waits for its result. A panic
// in fn comes back as a *RemoteError.
func (m *Mailbox[T]) Call(ctx context.Context, method string, fn func(T) (any, error)) (any, error) {
	c := call[T]{method: method, fn: fn, reply: make(chan result, 1)}
	select {
	case m.calls <- c:
	case <-ctx.Done():
		return nil, fmt.Errorf("%s.%s: %w", m.name, method, ctx.Err())
	}
	select {
	case r := <-c.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s.%s: %w", m.name, method, ctx.Err())
	}
}

// Do is Call with a typed result.
func Do[T, R any](ctx context.Context, m *Mailbox[T], method string, fn func(T) (R, error)) (R, error) {
	v, err := m.Call(ctx, method, func(t T) (any, error) { return fn(t) })
	if err != nil {
		var zero R
		return zero, err
	}
	r, _ := v.(R)
	return r, nil
}
