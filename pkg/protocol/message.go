// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package protocol implements the text protocol spoken between buoys and
// the gateway: transaction wrapping, message parsing and the command and
// response builders.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyMessage is returned when a transaction has no header line.
var ErrEmptyMessage = errors.New("protocol: empty message")

// Kind identifies a message by its header verb.
type Kind int

const (
	KindUnknown Kind = iota
	KindMode
	KindCalibrate
	KindQueue
	KindRetrieve
	KindResponse
	KindNotify
	KindData
)

var kindNames = map[Kind]string{
	KindUnknown:   "UNKNOWN",
	KindMode:      VerbMode,
	KindCalibrate: VerbCalibrate,
	KindQueue:     VerbQueue,
	KindRetrieve:  VerbRetrieve,
	KindResponse:  VerbResponse,
	KindNotify:    VerbNotify,
	KindData:      VerbData,
}

// String returns the header verb for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", int(k))
}

// KindOf maps a header verb to its Kind.
func KindOf(verb string) Kind {
	switch strings.ToUpper(verb) {
	case VerbMode:
		return KindMode
	case VerbCalibrate:
		return KindCalibrate
	case VerbQueue:
		return KindQueue
	case VerbRetrieve:
		return KindRetrieve
	case VerbResponse:
		return KindResponse
	case VerbNotify:
		return KindNotify
	case VerbData:
		return KindData
	default:
		return KindUnknown
	}
}

// Message is a parsed protocol transaction.
type Message struct {
	Kind       Kind
	Verb       string // header verb as received
	TxID       string // "" when untagged
	Timeout    int    // seconds, valid when HasTimeout
	HasTimeout bool
	Lines      []string // body lines after the header and timeout
}

// Arg returns the first body line, trimmed.
func (m *Message) Arg() string {
	if len(m.Lines) == 0 {
		return ""
	}
	return strings.TrimSpace(m.Lines[0])
}

// Params parses the first body line as a parameter list.
func (m *Message) Params() Params {
	return ParseParams(m.Arg())
}

// Section parses the first body line as "TYPE: k:v,...".
func (m *Message) Section() (string, Params) {
	return ParseSection(m.Arg())
}

// Body joins the body lines.
func (m *Message) Body() string {
	return strings.Join(m.Lines, "\n")
}

// Parse decodes a framed transaction. Start and stop boundary lines and a
// trailing self-verifying length line are removed when present.
func Parse(transaction string, f Framing) (*Message, error) {
	lines := payloadLines(transaction, f)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, ErrEmptyMessage
	}

	header := strings.Fields(lines[0])
	m := &Message{
		Kind: KindOf(header[0]),
		Verb: header[0],
	}
	if len(header) > 1 {
		m.TxID = header[1]
	}

	rest := lines[1:]
	if len(rest) > 0 && strings.HasPrefix(strings.TrimSpace(rest[0]), timeoutPrefix) {
		v := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest[0]), timeoutPrefix))
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("protocol: bad timeout %q: %w", v, err)
		}
		m.Timeout = n
		m.HasTimeout = true
		rest = rest[1:]
	}
	m.Lines = rest
	return m, nil
}

// payloadLines strips framing from a transaction and returns the payload
// lines.
func payloadLines(transaction string, f Framing) []string {
	s := strings.TrimRight(transaction, "\r\n")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")

	start, stop := f.startLine(), f.stopLine()
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == start {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == stop {
		lines = lines[:len(lines)-1]
	}

	if n := len(lines); n > 1 {
		if declared, err := strconv.Atoi(strings.TrimSpace(lines[n-1])); err == nil {
			if declared == len(strings.Join(lines[:n-1], "\n")) {
				lines = lines[:n-1]
			}
		}
	}
	return lines
}
