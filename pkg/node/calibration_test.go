// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// calibrateMachine returns a machine in the Calibrate state.
func calibrateMachine(t *testing.T) (*Machine, *recorder, *clock.FakeClock) {
	t.Helper()
	m, out, clk := liveMachine(t)
	m.Handle(command(t, protocol.VerbMode, "1", protocol.ModeMaintenance))
	m.Handle(command(t, protocol.VerbMode, "2", protocol.ModeCalibrate))
	require.Equal(t, StateCalibrate, m.State())
	out.reset()
	return m, out, clk
}

// ============================================================
// Full Sessions
// ============================================================

func TestCalibrate_ThreePointPH(t *testing.T) {
	m, out, clk := calibrateMachine(t)

	m.Handle(command(t, protocol.VerbCalibrate, "3", "sensor:ph,points:3"))
	require.Equal(t, StateCalibratePH, m.State())
	assert.Equal(t, "RESPONSE 3\nTIMEOUT: 60\nCALIBRATE: sensor:ph,points:3", out.payloads[0])

	points := []struct {
		slot  string
		value string
	}{
		{"mid", "7.0"},
		{"high", "10.0"},
		{"low", "4.0"},
	}
	for phase, pt := range points {
		slotTx := fmt.Sprint(10 + phase)
		acceptTx := fmt.Sprint(20 + phase)

		m.Handle(command(t, protocol.VerbCalibrate, slotTx, fmt.Sprintf(
			"sensor:ph,points:3,phase:%d,slot:%s,fluid_value:%s,temperature_compensation:25.0",
			phase, pt.slot, pt.value)))
		require.Equal(t, StateCalibratePH, m.State())

		for range 3 {
			clk.Advance(time.Second)
			m.Tick()
		}

		m.Handle(command(t, protocol.VerbCalibrate, acceptTx, fmt.Sprintf(
			"sensor:ph,points:3,phase:%d,slot:%s,command:accept", phase, pt.slot)))

		accept := out.messages(t)
		var acked bool
		for _, msg := range accept {
			if msg.TxID == acceptTx {
				_, p := msg.Section()
				assert.Equal(t, "accept", p.Value(protocol.KeyCommand))
				assert.Equal(t, pt.slot, p.Value(protocol.KeySlot))
				acked = true
			}
		}
		assert.True(t, acked, "accept for phase %d answered", phase)
	}

	var completions []*protocol.Message
	readings := map[string]int{}
	for _, msg := range out.messages(t) {
		if msg.Kind != protocol.KindResponse {
			continue
		}
		section, p := msg.Section()
		if section != protocol.SectionCalibrate {
			continue
		}
		if p.Value(protocol.KeyResult) != "" {
			completions = append(completions, msg)
		}
		if _, ok := p.Get(protocol.KeyValue); ok {
			readings[msg.TxID]++
		}
	}

	require.Len(t, completions, 1)
	assert.Equal(t, "3", completions[0].TxID, "completion echoes the session tx_id")
	_, p := completions[0].Section()
	assert.Equal(t, "succeeded", p.Value(protocol.KeyResult))
	assert.Equal(t, "3", p.Value(protocol.KeyPoints))

	assert.Equal(t, map[string]int{"10": 3, "11": 3, "12": 3}, readings)
	assert.Equal(t, StateCalibrate, m.State(), "back to Calibrate, not Live")

	mode, mp := out.last(t).Section()
	assert.Equal(t, protocol.SectionMode, mode)
	assert.Equal(t, protocol.ModeCalibrate, mp.Value(protocol.KeyMode))
	assert.Equal(t, "", out.last(t).TxID)
}

func TestCalibrate_ReadingsCarrySlotValue(t *testing.T) {
	tests := []struct {
		name   string
		sensor string
		slot   string
		fluid  string
		want   string
	}{
		{"ph fluid", "ph", "mid", "7.0", "7.000"},
		{"ec dry", "ec", "dry", "", "1.000"},
		{"ec fluid", "ec", "low", "12880", "12880.000"},
		{"do air", "do", "air", "", "8.000"},
		{"do zero", "do", "zero", "", "0.000"},
		{"tu standard", "tu", "std", "20", "20.000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, out, clk := calibrateMachine(t)
			m.Handle(command(t, protocol.VerbCalibrate, "3", "sensor:"+tt.sensor+",points:2"))

			args := "sensor:" + tt.sensor + ",points:2,phase:0,slot:" + tt.slot
			if tt.fluid != "" {
				args += ",fluid_value:" + tt.fluid
			}
			m.Handle(command(t, protocol.VerbCalibrate, "9", args))
			out.reset()

			clk.Advance(time.Second)
			m.Tick()

			reading := out.messages(t)[0]
			assert.Equal(t, "9", reading.TxID)
			_, p := reading.Section()
			assert.Equal(t, tt.want, p.Value(protocol.KeyValue))
			assert.Equal(t, tt.slot, p.Value(protocol.KeySlot))
		})
	}
}

func TestCalibrate_AcceptClosesSlot(t *testing.T) {
	m, out, clk := calibrateMachine(t)
	m.Handle(command(t, protocol.VerbCalibrate, "3", "sensor:ph,points:2"))
	m.Handle(command(t, protocol.VerbCalibrate, "4", "sensor:ph,points:2,phase:0,slot:mid,fluid_value:7"))
	m.Handle(command(t, protocol.VerbCalibrate, "5", "sensor:ph,points:2,phase:0,slot:mid,command:accept"))
	require.Equal(t, StateCalibratePH, m.State())

	s, ok := m.Session()
	require.True(t, ok)
	assert.False(t, s.SlotOpen)
	out.reset()

	clk.Advance(time.Second)
	m.Tick()
	for _, msg := range out.messages(t) {
		assert.NotEqual(t, protocol.KindResponse, msg.Kind, "no readings between slots")
	}
}

func TestCalibrate_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"missing phase", "sensor:ph,points:2,slot:mid,fluid_value:7"},
		{"missing slot", "sensor:ph,points:2,phase:0,fluid_value:7"},
		{"missing fluid value", "sensor:ph,points:2,phase:0,slot:mid"},
		{"accept without slot", "sensor:ph,points:2,phase:0,slot:mid,command:accept"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, out, _ := calibrateMachine(t)
			m.Handle(command(t, protocol.VerbCalibrate, "3", "sensor:ph,points:2"))
			out.reset()

			m.Handle(command(t, protocol.VerbCalibrate, "8", tt.args))

			require.Len(t, out.payloads, 1)
			section, _ := out.last(t).Section()
			assert.Equal(t, protocol.SectionInvalid, section)
			assert.Equal(t, StateCalibratePH, m.State())
		})
	}
}

func TestCalibrate_MessagesResetTimeout(t *testing.T) {
	m, _, clk := calibrateMachine(t)
	m.Handle(command(t, protocol.VerbCalibrate, "3", "sensor:do,points:2"))

	clk.Advance(50 * time.Second)
	m.Handle(command(t, protocol.VerbCalibrate, "4", "sensor:do,points:2,phase:0,slot:air"))
	clk.Advance(50 * time.Second)
	m.Tick()
	assert.Equal(t, StateCalibrateDO, m.State())

	// QUEUE does not count as activity.
	m.Handle(command(t, protocol.VerbQueue, "5", "LENGTH 0"))
	clk.Advance(11 * time.Second)
	m.Tick()
	assert.Equal(t, StateTimeout, m.State())

	_, ok := m.Session()
	assert.False(t, ok, "session destroyed on timeout")
}

func TestCalibrate_SensorTimeoutGoesLive(t *testing.T) {
	m, out, clk := calibrateMachine(t)
	m.Handle(command(t, protocol.VerbCalibrate, "3", "sensor:ph,points:3"))
	require.Equal(t, StateCalibratePH, m.State())
	out.reset()

	clk.Advance(61 * time.Second)
	m.Tick()
	require.Equal(t, StateTimeout, m.State())
	assert.Equal(t, "RESPONSE\nTIMEOUT: 0\nMODE: mode:live", out.payloads[len(out.payloads)-1])

	// The node does not fall back to Calibrate.
	m.Tick()
	assert.Equal(t, StateLive, m.State())
	hello, _ := out.last(t).Section()
	assert.Equal(t, protocol.SectionHello, hello)
}

// ============================================================
// Session Rules
// ============================================================

func TestSession_Complete(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		params string
		want   bool
	}{
		{"last of three", 0, "phase:2,points:3", true},
		{"not last", 0, "phase:1,points:3", false},
		{"single point", 0, "phase:0,points:1", true},
		{"points from session", 2, "phase:1", true},
		{"unknown points", 0, "phase:5", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Sensor: protocol.SensorPH, TotalPoints: tt.total}
			assert.Equal(t, tt.want, s.complete(protocol.ParseParams(tt.params)))
		})
	}
}

func TestRandomSampler_Bounds(t *testing.T) {
	r := RandomSampler{Rand: rand.New(rand.NewPCG(1, 2))}

	for range 200 {
		v := r.Sample(protocol.SensorPH, 10)
		assert.GreaterOrEqual(t, v, 9.0)
		assert.LessOrEqual(t, v, 11.0)

		d := r.Sample(protocol.SensorDO, 8)
		assert.GreaterOrEqual(t, d, 5.0)
		assert.LessOrEqual(t, d, 11.0)
	}
}
