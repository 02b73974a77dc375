// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"fmt"
	"math/rand/v2"

	"github.com/Thermoquad/buoygate/pkg/faults"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// Session tracks an in-progress calibration.
type Session struct {
	Sensor      string
	TotalPoints int    // 0 when the initiating command did not say
	InitTxID    string // echoed by the completion response

	SlotOpen  bool
	SlotTxID  string // echoed by readings for the open slot
	Phase     int
	Slot      string
	Reference float64
	TempComp  string
}

// openSlot starts a calibration point from a phase command.
func (s *Session) openSlot(txID string, p protocol.Params) error {
	phase, err := p.Int(protocol.KeyPhase)
	if err != nil {
		return faults.Protocolf("calibrate phase: %v", err)
	}
	slot := p.Value(protocol.KeySlot)
	if slot == "" {
		return faults.Protocolf("calibrate phase %d: missing slot", phase)
	}

	reference, err := referenceValue(s.Sensor, slot, p)
	if err != nil {
		return err
	}

	s.SlotOpen = true
	s.SlotTxID = txID
	s.Phase = phase
	s.Slot = slot
	s.Reference = reference
	s.TempComp = p.Value(protocol.KeyTempComp)
	return nil
}

func (s *Session) closeSlot() {
	s.SlotOpen = false
	s.SlotTxID = ""
}

// complete reports whether accepting phase finishes the session. Phases are
// numbered from zero.
func (s *Session) complete(p protocol.Params) bool {
	phase := s.Phase
	if v, err := p.Int(protocol.KeyPhase); err == nil {
		phase = v
	}
	points := s.TotalPoints
	if v, err := p.Int(protocol.KeyPoints); err == nil {
		points = v
	}
	return points > 0 && phase+1 >= points
}

func referenceValue(sensor, slot string, p protocol.Params) (float64, error) {
	switch {
	case sensor == protocol.SensorEC && slot == "dry":
		return 1, nil
	case sensor == protocol.SensorDO && slot == "air":
		return 8.0, nil
	case sensor == protocol.SensorDO:
		return 0.0, nil
	}
	v, err := p.Float(protocol.KeyFluidValue)
	if err != nil {
		return 0, faults.Protocolf("calibrate slot %s: %v", slot, err)
	}
	return v, nil
}

// Sampler produces simulated sensor readings around a reference value.
type Sampler interface {
	Sample(sensor string, reference float64) float64
}

// RandomSampler jitters readings the way a settling probe would: a ±10%
// scale for most sensors, ±3 absolute for dissolved oxygen.
type RandomSampler struct {
	Rand *rand.Rand
}

// Sample implements Sampler
func (r RandomSampler) Sample(sensor string, reference float64) float64 {
	f := rand.Float64
	if r.Rand != nil {
		f = r.Rand.Float64
	}
	if sensor == protocol.SensorDO {
		return reference + (f()*6 - 3)
	}
	return reference * (0.9 + f()*0.2)
}

// FixedSampler returns the reference unchanged.
type FixedSampler struct{}

// Sample implements Sampler
func (FixedSampler) Sample(_ string, reference float64) float64 { return reference }

func formatReading(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
