// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Thermoquad/buoygate/pkg/clock"
	"github.com/Thermoquad/buoygate/pkg/framer"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// SimulatorOptions configure a Simulator.
type SimulatorOptions struct {
	Node         Config
	Ack          string // acknowledgement token, default "OK"
	AckTimeout   time.Duration
	Retries      int
	Tick         time.Duration // default 500ms
	StartupDelay time.Duration // quiet period before the first tick
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Simulator runs a Machine against a byte stream, acting as a buoy.
type Simulator struct {
	conn    io.ReadWriter
	machine *Machine
	framer  *framer.Framer
	acks    *AckDetector
	tick    time.Duration
	delay   time.Duration
	log     *slog.Logger
	inbound chan string
}

// NewSimulator wires a machine to conn.
func NewSimulator(conn io.ReadWriter, opts SimulatorOptions) (*Simulator, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Ack == "" {
		opts.Ack = protocol.AckOK
	}
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	if opts.Node.Framing == (protocol.Framing{}) {
		opts.Node.Framing = protocol.DefaultFraming
	}

	s := &Simulator{
		conn:    conn,
		acks:    NewAckDetector(opts.Ack),
		tick:    opts.Tick,
		delay:   opts.StartupDelay,
		log:     log,
		inbound: make(chan string, 64),
	}

	fr, err := framer.New("node", framer.Options{
		Start:  opts.Node.Framing.Start,
		Stop:   opts.Node.Framing.Stop,
		Logger: log,
	}, s.enqueue)
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	s.framer = fr

	sender := NewSender(conn, SenderOptions{
		Framing:    opts.Node.Framing,
		Acks:       s.acks,
		AckTimeout: opts.AckTimeout,
		Retries:    opts.Retries,
		Clock:      opts.Clock,
		Logger:     log,
	})
	s.machine = NewMachine(opts.Node, sender, opts.Clock, log)
	return s, nil
}

// Machine returns the simulated node's state machine. Only inspect it
// while Run is not executing.
func (s *Simulator) Machine() *Machine {
	return s.machine
}

func (s *Simulator) enqueue(_, transaction string) {
	select {
	case s.inbound <- transaction:
	default:
		s.log.Warn("dropping command, inbound backlog full")
	}
}

// Run drives the machine until ctx is cancelled or the stream fails.
func (s *Simulator) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go s.readLoop(errc)

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case tx := <-s.inbound:
			s.machine.HandleTransaction(tx)
		case <-ticker.C:
			s.machine.Tick()
		}
	}
}

// readLoop feeds inbound bytes to the ack detector and the framer. Acks
// must keep flowing while the loop goroutine is blocked inside Send.
func (s *Simulator) readLoop(errc chan<- error) {
	buf := make([]byte, 1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.log.Debug("received data", "bytes", n)
			s.acks.Write(buf[:n])
			s.framer.Write(buf[:n])
		}
		if err != nil {
			errc <- err
			return
		}
	}
}
