// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package faults classifies gateway errors so workers know whether to
// retry, archive or report them.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Class is the handling category of an error.
type Class int

const (
	// ClassFault is a programming-level fault. Unclassified errors land here.
	ClassFault Class = iota
	// ClassTransient is retried after a back-off sleep.
	ClassTransient
	// ClassCorrupted marks persisted data that can never be decoded.
	ClassCorrupted
	// ClassProtocol marks input that is well formed on disk but violates
	// the node protocol.
	ClassProtocol
)

// String returns the string representation of Class
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCorrupted:
		return "corrupted"
	case ClassProtocol:
		return "protocol"
	case ClassFault:
		return "fault"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error wraps an error with its class.
type Error struct {
	Class Class
	Err   error
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

func classify(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error { return classify(ClassTransient, err) }

// Corrupted marks err as undecodable persisted data.
func Corrupted(err error) error { return classify(ClassCorrupted, err) }

// Protocol marks err as a protocol violation.
func Protocol(err error) error { return classify(ClassProtocol, err) }

// Fault marks err as a programming-level fault.
func Fault(err error) error { return classify(ClassFault, err) }

// Protocolf formats a protocol violation.
func Protocolf(format string, args ...any) error {
	return Protocol(fmt.Errorf(format, args...))
}

// ClassOf returns the outermost class found in err's chain.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassFault
}

// Is reports whether err belongs to class.
func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Recover converts a panic in fn into a fault.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fault(&PanicError{Value: r})
		}
	}()
	return fn()
}
