// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Verifier validates a transaction before it is acknowledged. The returned
// ack is written back on the stream; "" means no ack is sent.
type Verifier interface {
	Verify(transaction string) (valid bool, ack string)
}

// AcceptAll treats every transaction as valid and acks with Ack.
type AcceptAll struct {
	Ack string
}

// Verify implements Verifier
func (a AcceptAll) Verify(string) (bool, string) {
	return true, a.Ack
}

// LengthVerifier checks the self-verifying length line: the line before
// the stop boundary holds the byte length of the lines between the start
// boundary and it.
type LengthVerifier struct {
	OK   string
	Fail string
}

// NewLengthVerifier uses the default OK/NA tokens.
func NewLengthVerifier() LengthVerifier {
	return LengthVerifier{OK: AckOK, Fail: AckFail}
}

// Verify implements Verifier
func (v LengthVerifier) Verify(transaction string) (bool, string) {
	if err := CheckLength(transaction); err != nil {
		return false, v.Fail
	}
	return true, v.OK
}

// CheckLength reports why a transaction fails length verification.
func CheckLength(transaction string) error {
	s := strings.TrimRight(transaction, "\r\n")
	lines := strings.Split(s, "\n")
	if len(lines) < 4 {
		return fmt.Errorf("too few lines: %d", len(lines))
	}

	declared, err := strconv.Atoi(strings.TrimSpace(lines[len(lines)-2]))
	if err != nil {
		return fmt.Errorf("length line %q: %w", lines[len(lines)-2], err)
	}
	actual := len(strings.Join(lines[1:len(lines)-2], "\n"))
	if declared != actual {
		return fmt.Errorf("length mismatch: declared %d, actual %d", declared, actual)
	}
	return nil
}
