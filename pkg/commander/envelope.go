// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package commander

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// TimestampLayout is the bus timestamp format, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t for the bus.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a bus timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// Request kinds
const (
	RequestPing      = "ping"
	RequestMode      = "mode"
	RequestCalibrate = "calibrate"
)

// ResponseStatus is the response kind of a ping answer.
const ResponseStatus = "status"

// TxID is a correlation id. Clients send it as a JSON string or number; it
// is always re-encoded as a string.
type TxID string

// UnmarshalJSON accepts strings and numbers.
func (t *TxID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TxID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tx_id: %w", err)
	}
	*t = TxID(n.String())
	return nil
}

// Request is an operator request published to a node subject.
type Request struct {
	Request string          `json:"request"`
	TxID    TxID            `json:"tx_id,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Body    protocol.Params `json:"body,omitzero"`
}

// DecodeRequest parses a bus request.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	if r.Request == "" {
		return Request{}, fmt.Errorf("decoding request: missing request kind")
	}
	return r, nil
}

// Command assembles the node command for a queued request.
func (r Request) Command() (string, error) {
	switch r.Request {
	case RequestMode:
		if !protocol.IsMode(r.Mode) {
			return "", fmt.Errorf("unknown mode %q", r.Mode)
		}
		return protocol.NewModeCommand(string(r.TxID), r.Mode), nil
	case RequestCalibrate:
		if r.Body.Len() == 0 {
			return "", fmt.Errorf("calibrate request without body")
		}
		return protocol.NewCalibrateCommand(string(r.TxID), r.Body), nil
	}
	return "", fmt.Errorf("request %q cannot be sent to a node", r.Request)
}

// Response is published on the master subject for every node response.
type Response struct {
	Response  string          `json:"response"`
	Timestamp string          `json:"timestamp"`
	Platform  string          `json:"platformIdentifier"`
	TxID      TxID            `json:"tx_id"`
	Timeout   string          `json:"timeout"`
	Body      json.RawMessage `json:"body"`
	Node      string          `json:"nodeIdentifier,omitempty"`
}

// Params decodes the body as a flat parameter object.
func (r Response) Params() (protocol.Params, error) {
	var p protocol.Params
	if len(r.Body) == 0 {
		return p, nil
	}
	err := json.Unmarshal(r.Body, &p)
	return p, err
}

// Notify is published on the master subject for node notifications.
type Notify struct {
	Notify    string          `json:"notify"`
	Timestamp string          `json:"timestamp"`
	Platform  string          `json:"platformIdentifier"`
	Body      json.RawMessage `json:"body"`
	Node      string          `json:"nodeIdentifier,omitempty"`
}

// Data carries a raw telemetry transaction.
type Data struct {
	Node      string `json:"nodeIdentifier"`
	Platform  string `json:"platformIdentifier"`
	Timestamp string `json:"timestamp"`
	Data      string `json:"data"`
}

// Event is any message on the master subject.
type Event struct {
	Response *Response
	Notify   *Notify
}

// DecodeEvent decodes a master subject message.
func DecodeEvent(data []byte) (Event, error) {
	var peek struct {
		Response *string `json:"response"`
		Notify   *string `json:"notify"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return Event{}, err
	}
	switch {
	case peek.Response != nil:
		var r Response
		err := json.Unmarshal(data, &r)
		return Event{Response: &r}, err
	case peek.Notify != nil:
		var n Notify
		err := json.Unmarshal(data, &n)
		return Event{Notify: &n}, err
	}
	return Event{}, fmt.Errorf("neither response nor notify")
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
