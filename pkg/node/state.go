// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"fmt"

	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// State is a node protocol state.
type State int

const (
	StateAsleep State = iota
	StateLive
	StateMaintenance
	StateCalibrate
	StateCalibratePH
	StateCalibrateEC
	StateCalibrateDO
	StateCalibrateTU
	// StateTimeout announces a timed out session and falls through to Live
	// on the next tick.
	StateTimeout
)

var stateNames = map[State]string{
	StateAsleep:      "Asleep",
	StateLive:        "Live",
	StateMaintenance: "Maintenance",
	StateCalibrate:   "Calibrate",
	StateCalibratePH: "CalibratePH",
	StateCalibrateEC: "CalibrateEC",
	StateCalibrateDO: "CalibrateDO",
	StateCalibrateTU: "CalibrateTU",
	StateTimeout:     "Timeout",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsCalibrating reports whether s is a per-sensor calibration state.
func (s State) IsCalibrating() bool {
	return s >= StateCalibratePH && s <= StateCalibrateTU
}

// Sensor returns the sensor calibrated in s, or "".
func (s State) Sensor() string {
	switch s {
	case StateCalibratePH:
		return protocol.SensorPH
	case StateCalibrateEC:
		return protocol.SensorEC
	case StateCalibrateDO:
		return protocol.SensorDO
	case StateCalibrateTU:
		return protocol.SensorTU
	}
	return ""
}

func calibrationState(sensor string) (State, bool) {
	switch sensor {
	case protocol.SensorPH:
		return StateCalibratePH, true
	case protocol.SensorEC:
		return StateCalibrateEC, true
	case protocol.SensorDO:
		return StateCalibrateDO, true
	case protocol.SensorTU:
		return StateCalibrateTU, true
	}
	return 0, false
}

// Carry is the data handed to the next state on a transition.
type Carry struct {
	// Tagged is set when the transition was triggered by a request, in
	// which case the entry response echoes TxID (which may be "").
	Tagged bool
	TxID   string
	Params protocol.Params
}

func requestCarry(msg *protocol.Message) Carry {
	return Carry{Tagged: true, TxID: msg.TxID, Params: msg.Params()}
}

type outcome int

const (
	outcomeNone outcome = iota // message not understood in this state
	outcomeStay                // handled, state unchanged
	outcomeMove                // handled, enter Next
)

// Transition is the result of feeding an event to the current state.
type Transition struct {
	outcome outcome
	Next    State
	Carry   Carry
}

func none() Transition { return Transition{outcome: outcomeNone} }
func stay() Transition { return Transition{outcome: outcomeStay} }

func moveTo(next State, carry Carry) Transition {
	return Transition{outcome: outcomeMove, Next: next, Carry: carry}
}

// Handled reports whether the event was understood.
func (t Transition) Handled() bool { return t.outcome != outcomeNone }

// Moves reports whether the transition enters a new state.
func (t Transition) Moves() bool { return t.outcome == outcomeMove }
