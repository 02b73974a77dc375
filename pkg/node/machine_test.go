// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// recorder is an Outbox that keeps every payload.
type recorder struct {
	payloads []string
}

func (r *recorder) Send(payload string) bool {
	r.payloads = append(r.payloads, payload)
	return true
}

func (r *recorder) reset() { r.payloads = nil }

func (r *recorder) last(t *testing.T) *protocol.Message {
	t.Helper()
	require.NotEmpty(t, r.payloads)
	msg, err := protocol.Parse(r.payloads[len(r.payloads)-1], protocol.DefaultFraming)
	require.NoError(t, err)
	return msg
}

func (r *recorder) messages(t *testing.T) []*protocol.Message {
	t.Helper()
	out := make([]*protocol.Message, 0, len(r.payloads))
	for _, p := range r.payloads {
		msg, err := protocol.Parse(p, protocol.DefaultFraming)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func newTestMachine(t *testing.T) (*Machine, *recorder, *clock.FakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Sampler = FixedSampler{}
	out := &recorder{}
	clk := clock.Fake(epoch)
	return NewMachine(cfg, out, clk, nil), out, clk
}

// liveMachine returns a machine that has woken up and said hello.
func liveMachine(t *testing.T) (*Machine, *recorder, *clock.FakeClock) {
	t.Helper()
	m, out, clk := newTestMachine(t)
	clk.Advance(10 * time.Second)
	m.Tick()
	require.Equal(t, StateLive, m.State())
	out.reset()
	return m, out, clk
}

func command(t *testing.T, verb, txID, arg string) *protocol.Message {
	t.Helper()
	wire := protocol.DefaultFraming.WrapCommand(protocol.Header(verb, txID) + "\n" + arg)
	msg, err := protocol.Parse(wire, protocol.DefaultFraming)
	require.NoError(t, err)
	return msg
}

// ============================================================
// Asleep and Live
// ============================================================

func TestAsleep_WakesAfterDelayAndSaysHello(t *testing.T) {
	m, out, clk := newTestMachine(t)

	m.Tick()
	assert.Equal(t, StateAsleep, m.State())
	assert.Empty(t, out.payloads)

	clk.Advance(10 * time.Second)
	m.Tick()

	require.Equal(t, StateLive, m.State())
	require.Len(t, out.payloads, 1)
	assert.Equal(t, "NOTIFY\nHELLO: identifier: default_buoy, version: 0.99", out.payloads[0])
}

func TestAsleep_IgnoresMessages(t *testing.T) {
	m, out, _ := newTestMachine(t)

	m.Handle(command(t, protocol.VerbMode, "42", protocol.ModeMaintenance))

	assert.Equal(t, StateAsleep, m.State())
	assert.Empty(t, out.payloads, "no response, not even INVALID")
}

func TestLive_DataThenRetrieveThenSleep(t *testing.T) {
	m, out, clk := liveMachine(t)

	m.Tick()
	require.Equal(t, protocol.KindData, out.last(t).Kind)
	assert.Contains(t, out.last(t).Lines, "PH: 7095,8")

	m.Tick()
	retrieve := out.last(t)
	assert.Equal(t, protocol.KindRetrieve, retrieve.Kind)
	assert.Equal(t, "MESSAGE: identifier:default_buoy", retrieve.Arg())

	clk.Advance(10 * time.Second)
	m.Tick()
	assert.Equal(t, protocol.KindData, out.last(t).Kind)

	clk.Advance(51 * time.Second)
	m.Tick()
	assert.Equal(t, StateAsleep, m.State())
}

func TestRetrieve_NotRepeatedWhileAwaitingReply(t *testing.T) {
	m, out, clk := liveMachine(t)
	m.Tick() // data
	out.reset()

	m.Tick()
	m.Tick()
	assert.Len(t, out.payloads, 1, "second tick waits for the first RETRIEVE")

	m.Handle(command(t, protocol.VerbQueue, "1", "LENGTH 0"))
	m.Tick()
	assert.Len(t, out.payloads, 2, "a reply re-arms RETRIEVE")

	clk.Advance(5 * time.Second)
	m.Tick()
	assert.Len(t, out.payloads, 3, "an unanswered RETRIEVE is resent")
}

// ============================================================
// Mode Changes
// ============================================================

func TestMode_MaintenanceEchoesTxID(t *testing.T) {
	m, out, _ := liveMachine(t)

	m.Handle(command(t, protocol.VerbMode, "42", protocol.ModeMaintenance))

	require.Equal(t, StateMaintenance, m.State())
	require.Len(t, out.payloads, 1)
	assert.Equal(t, "RESPONSE 42\nTIMEOUT: 60\nMODE: mode:maintenance", out.payloads[0])
}

func TestMode_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		modes []string
		want  State
	}{
		{"maintenance", []string{"maintenance"}, StateMaintenance},
		{"back to live", []string{"maintenance", "live"}, StateLive},
		{"calibrate", []string{"maintenance", "calibrate"}, StateCalibrate},
		{"calibrate to maintenance", []string{"maintenance", "calibrate", "maintenance"}, StateMaintenance},
		{"calibrate to live", []string{"maintenance", "calibrate", "live"}, StateLive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, out, _ := liveMachine(t)
			for i, mode := range tt.modes {
				tx := fmt.Sprint(100 + i)
				m.Handle(command(t, protocol.VerbMode, tx, mode))

				resp := out.last(t)
				assert.Equal(t, tx, resp.TxID)
				section, p := resp.Section()
				assert.Equal(t, protocol.SectionMode, section)
				assert.Equal(t, mode, p.Value(protocol.KeyMode))
			}
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestMode_LiveResponseAdvertisesTimeUntilSleep(t *testing.T) {
	m, out, clk := liveMachine(t)
	m.Handle(command(t, protocol.VerbMode, "1", protocol.ModeMaintenance))
	clk.Advance(5 * time.Second)

	m.Handle(command(t, protocol.VerbMode, "2", protocol.ModeLive))

	resp := out.last(t)
	require.True(t, resp.HasTimeout)
	assert.Equal(t, 60, resp.Timeout)
	assert.Equal(t, StateLive, m.State())
}

func TestMode_TimeoutReturnsToLive(t *testing.T) {
	m, out, clk := liveMachine(t)
	m.Handle(command(t, protocol.VerbMode, "42", protocol.ModeMaintenance))
	out.reset()

	clk.Advance(30 * time.Second)
	m.Tick()
	assert.Equal(t, StateMaintenance, m.State())
	assert.Equal(t, protocol.KindRetrieve, out.last(t).Kind)

	clk.Advance(31 * time.Second)
	m.Tick()
	require.Equal(t, StateTimeout, m.State())
	assert.Equal(t, "RESPONSE\nTIMEOUT: 0\nMODE: mode:live", out.payloads[len(out.payloads)-1])

	m.Tick()
	assert.Equal(t, StateLive, m.State())
	hello, p := out.last(t).Section()
	assert.Equal(t, protocol.SectionHello, hello)
	assert.Equal(t, "default_buoy", p.Value(protocol.KeyIdentifier))
}

// ============================================================
// Invalid Commands
// ============================================================

func TestHandle_InvalidResponses(t *testing.T) {
	tests := []struct {
		name  string
		setup []string // modes entered first
		msg   [3]string
		state State
	}{
		{"calibrate from live", nil, [3]string{"MODE", "7", "calibrate"}, StateLive},
		{"unknown mode", []string{"maintenance"}, [3]string{"MODE", "7", "sideways"}, StateMaintenance},
		{"calibrate outside calibrate mode", []string{"maintenance"}, [3]string{"CALIBRATE", "7", "sensor:ph,points:1"}, StateMaintenance},
		{"missing sensor", []string{"maintenance", "calibrate"}, [3]string{"CALIBRATE", "7", "points:1"}, StateCalibrate},
		{"unknown sensor", []string{"maintenance", "calibrate"}, [3]string{"CALIBRATE", "7", "sensor:xx,points:1"}, StateCalibrate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, out, _ := liveMachine(t)
			for _, mode := range tt.setup {
				m.Handle(command(t, protocol.VerbMode, "1", mode))
			}
			out.reset()

			m.Handle(command(t, tt.msg[0], tt.msg[1], tt.msg[2]))

			require.Len(t, out.payloads, 1)
			resp := out.last(t)
			assert.Equal(t, "7", resp.TxID)
			section, _ := resp.Section()
			assert.Equal(t, protocol.SectionInvalid, section)
			assert.Equal(t, tt.state, m.State())
		})
	}
}

func TestHandle_QueueIsNeverInvalid(t *testing.T) {
	m, out, _ := liveMachine(t)

	m.Handle(command(t, protocol.VerbQueue, "1700000000000", "LENGTH 0"))

	assert.Empty(t, out.payloads)
	assert.Equal(t, StateLive, m.State())
}

func TestHandleTransaction_Unparseable(t *testing.T) {
	m, out, _ := liveMachine(t)

	err := m.HandleTransaction("BEGIN\n\nEND")

	assert.Error(t, err)
	assert.Empty(t, out.payloads)
}
