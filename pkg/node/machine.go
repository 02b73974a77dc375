// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package node implements the buoy side of the gateway protocol: a tick
// driven state machine that announces itself, sends telemetry, retrieves
// queued commands and walks through multi-point sensor calibrations.
//
// The machine never blocks waiting for a reply. Tick handles everything
// time based and Handle consumes whatever the gateway sent back, so one
// goroutine can drive both.
package node

import (
	"log/slog"
	"time"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// Config holds the node's identity and timing.
type Config struct {
	Identifier string
	Version    string
	Framing    protocol.Framing

	NodeTimeout       time.Duration // maintenance and calibrate inactivity limit
	LiveSleepInterval time.Duration // time spent live before sleeping again
	DataInterval      time.Duration
	AsleepDelay       time.Duration
	ReadingInterval   time.Duration // between calibration readings
	RetrieveTimeout   time.Duration // before an unanswered RETRIEVE is resent

	Sampler   Sampler         // nil = RandomSampler
	Telemetry func() []string // nil = DefaultTelemetry
}

// DefaultConfig returns the settings of a stock buoy.
func DefaultConfig() Config {
	return Config{
		Identifier:        "default_buoy",
		Version:           protocol.DefaultNodeVersion,
		Framing:           protocol.DefaultFraming,
		NodeTimeout:       60 * time.Second,
		LiveSleepInterval: 60 * time.Second,
		DataInterval:      10 * time.Second,
		AsleepDelay:       10 * time.Second,
		ReadingInterval:   time.Second,
		RetrieveTimeout:   5 * time.Second,
	}
}

// Outbox delivers an unframed payload to the gateway. It reports whether
// the gateway acknowledged it.
type Outbox interface {
	Send(payload string) bool
}

// Machine is the node protocol state machine. It is not safe for
// concurrent use.
type Machine struct {
	cfg     Config
	out     Outbox
	clk     clock.Clock
	log     *slog.Logger
	sampler Sampler

	state State
	carry Carry

	deadline  time.Time // Asleep wake up, or inactivity timeout
	nextSleep time.Time
	nextData  time.Time

	nextReading time.Time
	session     *Session

	awaiting   bool
	awaitUntil time.Time
}

// NewMachine creates a machine in the Asleep state.
func NewMachine(cfg Config, out Outbox, clk clock.Clock, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = RandomSampler{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = DefaultTelemetry
	}
	m := &Machine{
		cfg:     cfg,
		out:     out,
		clk:     clock.Or(clk),
		log:     log.With("node", cfg.Identifier),
		sampler: sampler,
	}
	m.enter(StateAsleep, Carry{})
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Session returns a copy of the active calibration session.
func (m *Machine) Session() (Session, bool) {
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Tick runs the time based part of the current state.
func (m *Machine) Tick() {
	now := m.clk.Now()

	switch m.state {
	case StateAsleep:
		if !now.Before(m.deadline) {
			m.log.Info("waking up")
			m.enter(StateLive, Carry{})
		}

	case StateLive:
		switch {
		case now.After(m.nextSleep):
			m.enter(StateAsleep, Carry{})
		case !now.Before(m.nextData):
			m.send(protocol.NewData(m.cfg.Telemetry()))
			m.nextData = now.Add(m.cfg.DataInterval)
		default:
			m.retrieve(now)
		}

	case StateMaintenance, StateCalibrate:
		if now.After(m.deadline) {
			m.enter(StateTimeout, Carry{})
			return
		}
		m.retrieve(now)

	case StateCalibratePH, StateCalibrateEC, StateCalibrateDO, StateCalibrateTU:
		if now.After(m.deadline) {
			m.enter(StateTimeout, Carry{})
			return
		}
		if m.session.SlotOpen && !now.Before(m.nextReading) {
			m.sendReading()
			m.nextReading = now.Add(m.cfg.ReadingInterval)
		}
		m.retrieve(now)

	case StateTimeout:
		m.enter(StateLive, Carry{})
	}
}

// HandleTransaction parses a framed gateway transaction and handles it.
func (m *Machine) HandleTransaction(transaction string) error {
	msg, err := protocol.Parse(transaction, m.cfg.Framing)
	if err != nil {
		m.log.Warn("unparseable command", "error", err)
		return err
	}
	m.Handle(msg)
	return nil
}

// Handle feeds a gateway message to the current state. A message the state
// does not understand is answered with an INVALID response, except QUEUE
// which only says that nothing is waiting.
func (m *Machine) Handle(msg *protocol.Message) {
	if m.state == StateAsleep {
		m.log.Warn("received a message while asleep", "verb", msg.Verb, "tx_id", msg.TxID)
		return
	}
	m.awaiting = false
	m.log.Info("got", "verb", msg.Verb, "tx_id", msg.TxID, "args", msg.Arg())

	t := m.dispatch(msg)
	if !t.Handled() && msg.Kind != protocol.KindQueue {
		m.send(protocol.NewInvalidResponse(msg.TxID, m.remaining()))
	}
	if t.Moves() {
		m.enter(t.Next, t.Carry)
	}
}

func (m *Machine) dispatch(msg *protocol.Message) Transition {
	switch m.state {
	case StateLive:
		if msg.Kind == protocol.KindMode && msg.Arg() == protocol.ModeMaintenance {
			return moveTo(StateMaintenance, requestCarry(msg))
		}

	case StateMaintenance:
		if msg.Kind == protocol.KindMode {
			switch msg.Arg() {
			case protocol.ModeLive:
				return moveTo(StateLive, requestCarry(msg))
			case protocol.ModeCalibrate:
				return moveTo(StateCalibrate, requestCarry(msg))
			}
		}

	case StateCalibrate:
		m.touch(msg)
		switch msg.Kind {
		case protocol.KindMode:
			switch msg.Arg() {
			case protocol.ModeLive:
				return moveTo(StateLive, requestCarry(msg))
			case protocol.ModeMaintenance:
				return moveTo(StateMaintenance, requestCarry(msg))
			}
		case protocol.KindCalibrate:
			sensor := msg.Params().Value(protocol.KeySensor)
			if next, ok := calibrationState(sensor); ok {
				return moveTo(next, requestCarry(msg))
			}
			m.log.Warn("calibrate without a known sensor", "tx_id", msg.TxID, "sensor", sensor)
		}

	case StateCalibratePH, StateCalibrateEC, StateCalibrateDO, StateCalibrateTU:
		m.touch(msg)
		if msg.Kind == protocol.KindCalibrate {
			p := msg.Params()
			if p.Value(protocol.KeyCommand) == protocol.CommandAccept {
				return m.accept(msg.TxID, p)
			}
			return m.openSlot(msg.TxID, p)
		}
	}
	return none()
}

// touch extends the inactivity timeout for any real command.
func (m *Machine) touch(msg *protocol.Message) {
	if msg.Kind != protocol.KindQueue {
		m.deadline = m.clk.Now().Add(m.cfg.NodeTimeout)
	}
}

func (m *Machine) openSlot(txID string, p protocol.Params) Transition {
	if err := m.session.openSlot(txID, p); err != nil {
		m.log.Warn("rejecting calibration phase", "tx_id", txID, "error", err)
		return none()
	}
	m.log.Info("calibration slot open",
		"sensor", m.session.Sensor, "phase", m.session.Phase, "slot", m.session.Slot)
	m.nextReading = m.clk.Now()
	return stay()
}

func (m *Machine) accept(txID string, p protocol.Params) Transition {
	s := m.session
	if !s.SlotOpen {
		m.log.Warn("accept without an open slot", "tx_id", txID)
		return none()
	}

	ack := protocol.NewParams(protocol.KeySensor, s.Sensor)
	ack.SetInt(protocol.KeyPhase, s.Phase)
	ack.Set(protocol.KeySlot, s.Slot)
	ack.Set(protocol.KeyCommand, protocol.CommandAccept)
	m.send(protocol.NewResponse(txID, m.remaining(), protocol.SectionCalibrate, ack))

	if !s.complete(p) {
		s.closeSlot()
		return stay()
	}

	points := p.Value(protocol.KeyPoints)
	if points == "" {
		points = itoa(s.TotalPoints)
	}
	done := protocol.NewParams(
		protocol.KeySensor, s.Sensor,
		protocol.KeyPoints, points,
		protocol.KeyResult, protocol.ResultSucceeded,
	)
	m.send(protocol.NewResponse(s.InitTxID, m.remaining(), protocol.SectionCalibrate, done))
	m.log.Info("calibration complete", "sensor", s.Sensor, "points", points)
	return moveTo(StateCalibrate, Carry{})
}

func (m *Machine) sendReading() {
	s := m.session
	p := protocol.NewParams(protocol.KeySensor, s.Sensor)
	p.SetInt(protocol.KeyPhase, s.Phase)
	p.Set(protocol.KeySlot, s.Slot)
	p.Set(protocol.KeyValue, formatReading(m.sampler.Sample(s.Sensor, s.Reference)))
	m.send(protocol.NewResponse(s.SlotTxID, m.remaining(), protocol.SectionCalibrate, p))
}

// enter switches to next and runs its entry action.
func (m *Machine) enter(next State, carry Carry) {
	now := m.clk.Now()
	if next != m.state {
		m.log.Info("transitioning", "from", m.state, "to", next)
	}
	m.state = next
	m.carry = carry
	m.awaiting = false

	switch next {
	case StateAsleep:
		m.session = nil
		m.deadline = now.Add(m.cfg.AsleepDelay)

	case StateLive:
		m.session = nil
		m.nextData = now
		m.nextSleep = now.Add(m.cfg.LiveSleepInterval)
		if carry.Tagged {
			m.sendMode(protocol.ModeLive)
		} else {
			m.log.Info("sending hello", "identifier", m.cfg.Identifier)
			m.send(protocol.NewHello(m.cfg.Identifier, m.cfg.Version))
		}

	case StateMaintenance:
		m.session = nil
		m.deadline = now.Add(m.cfg.NodeTimeout)
		m.sendMode(protocol.ModeMaintenance)

	case StateCalibrate:
		m.session = nil
		m.deadline = now.Add(m.cfg.NodeTimeout)
		m.sendMode(protocol.ModeCalibrate)

	case StateCalibratePH, StateCalibrateEC, StateCalibrateDO, StateCalibrateTU:
		m.deadline = now.Add(m.cfg.NodeTimeout)
		m.session = &Session{Sensor: next.Sensor(), InitTxID: carry.TxID}
		p := protocol.NewParams(protocol.KeySensor, m.session.Sensor)
		if points, err := carry.Params.Int(protocol.KeyPoints); err == nil {
			m.session.TotalPoints = points
			p.SetInt(protocol.KeyPoints, points)
		}
		m.send(protocol.NewResponse(carry.TxID, m.remaining(), protocol.SectionCalibrate, p))

	case StateTimeout:
		m.log.Warn("timed out", "identifier", m.cfg.Identifier)
		m.session = nil
		m.sendMode(protocol.ModeLive)
	}
}

func (m *Machine) sendMode(mode string) {
	m.send(protocol.NewModeResponse(m.carry.TxID, m.remaining(), mode))
}

// retrieve asks for the next queued command unless a request is still
// waiting for its answer.
func (m *Machine) retrieve(now time.Time) {
	if m.awaiting && now.Before(m.awaitUntil) {
		return
	}
	m.send(protocol.NewRetrieve(m.cfg.Identifier))
	m.awaiting = true
	m.awaitUntil = now.Add(m.cfg.RetrieveTimeout)
}

func (m *Machine) send(payload string) {
	if m.out == nil {
		return
	}
	if !m.out.Send(payload) {
		m.log.Warn("gateway did not acknowledge", "payload", firstLine(payload))
	}
}

// remaining is the TIMEOUT advertised in responses: seconds until the node
// sleeps when live, otherwise until the state times out.
func (m *Machine) remaining() int {
	until := m.deadline
	if m.state == StateLive {
		until = m.nextSleep
	}
	secs := int(until.Sub(m.clk.Now()) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}
