// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

// Framing defaults
const (
	DefaultStart = "BEGIN"
	DefaultStop  = "END"

	AckOK   = "OK"
	AckFail = "NA"
)

// Header verbs
const (
	VerbMode      = "MODE"
	VerbCalibrate = "CALIBRATE"
	VerbQueue     = "QUEUE"
	VerbRetrieve  = "RETRIEVE"
	VerbResponse  = "RESPONSE"
	VerbNotify    = "NOTIFY"
	VerbData      = "DATA"
)

// Section names used in response and notify bodies
const (
	SectionMode      = "MODE"
	SectionCalibrate = "CALIBRATE"
	SectionInvalid   = "INVALID"
	SectionHello     = "HELLO"
	SectionError     = "ERROR"
	SectionMessage   = "MESSAGE"
	SectionLength    = "LENGTH"

	timeoutPrefix = "TIMEOUT:"
)

// Node modes
const (
	ModeLive        = "live"
	ModeMaintenance = "maintenance"
	ModeCalibrate   = "calibrate"
)

// Sensors that can be calibrated
const (
	SensorPH = "ph"
	SensorEC = "ec"
	SensorDO = "do"
	SensorTU = "tu"
)

// Calibration parameter keys
const (
	KeySensor          = "sensor"
	KeyPoints          = "points"
	KeyPhase           = "phase"
	KeySlot            = "slot"
	KeyFluidValue      = "fluid_value"
	KeyTempComp        = "temperature_compensation"
	KeyKValue          = "k-value"
	KeyCommand         = "command"
	KeyValue           = "value"
	KeyResult          = "calibrate_result"
	KeyIdentifier      = "identifier"
	KeyVersion         = "version"
	KeyMode            = "mode"
	CommandAccept      = "accept"
	ResultSucceeded    = "succeeded"
	DefaultNodeVersion = "0.99"
)

// IsSensor reports whether s names a calibratable sensor.
func IsSensor(s string) bool {
	switch s {
	case SensorPH, SensorEC, SensorDO, SensorTU:
		return true
	}
	return false
}

// IsMode reports whether s names a node mode.
func IsMode(s string) bool {
	switch s {
	case ModeLive, ModeMaintenance, ModeCalibrate:
		return true
	}
	return false
}
