// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Builder functions return unframed payloads. Node-originated payloads are
// framed with Framing.Wrap, gateway commands with Framing.WrapCommand.

// NewHello creates the NOTIFY a node sends when it comes up.
func NewHello(identifier, version string) string {
	return Payload(VerbNotify, nil, fmt.Sprintf("%s: %s: %s, %s: %s",
		SectionHello, KeyIdentifier, identifier, KeyVersion, version))
}

// NewErrorNotify creates a NOTIFY carrying an error message.
func NewErrorNotify(message string) string {
	return Payload(VerbNotify, nil, SectionError+": message: "+message)
}

// NewData creates a telemetry DATA payload from sensor lines.
func NewData(lines []string) string {
	return Payload(VerbData, nil, strings.Join(lines, "\n"))
}

// NewRetrieve asks the gateway for the next queued command.
func NewRetrieve(identifier string) string {
	return Payload(VerbRetrieve, nil, SectionMessage+": "+KeyIdentifier+":"+identifier)
}

// NewResponse creates a RESPONSE echoing txID.
//
//	RESPONSE <tx_id>
//	TIMEOUT: <seconds>
//	<SECTION>: k:v,...
func NewResponse(txID string, timeout int, section string, p Params) string {
	return Payload(Header(VerbResponse, txID), &timeout, FormatSection(section, p))
}

// NewModeResponse reports the node's current mode.
func NewModeResponse(txID string, timeout int, mode string) string {
	return NewResponse(txID, timeout, SectionMode, NewParams(KeyMode, mode))
}

// NewInvalidResponse answers a command that produced no transition.
func NewInvalidResponse(txID string, timeout int) string {
	return NewResponse(txID, timeout, SectionInvalid, Params{})
}

// NewModeCommand creates "MODE <tx_id>\n<mode>".
func NewModeCommand(txID, mode string) string {
	return Header(VerbMode, txID) + "\n" + mode
}

// NewCalibrateCommand creates "CALIBRATE <tx_id>\nk:v,...".
func NewCalibrateCommand(txID string, p Params) string {
	return Header(VerbCalibrate, txID) + "\n" + p.String()
}

// NewQueueEmpty tells a node there is nothing queued for it.
func NewQueueEmpty(nowMs int64) string {
	return Header(VerbQueue, strconv.FormatInt(nowMs, 10)) + "\n" + SectionLength + " 0"
}
