// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Thermoquad/buoygate/pkg/commander"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

// DefaultReadings is how many readings are collected per point before the
// point is accepted.
const DefaultReadings = 6

var (
	// ErrRejected means the node answered with an invalid response.
	ErrRejected = errors.New("node rejected request")
	// ErrUnexpected means the node answered with the wrong response kind.
	ErrUnexpected = errors.New("unexpected response")
)

// Point is one calibration point.
type Point struct {
	Slot       string
	FluidValue *float64 // nil for points the node knows, such as ec dry
	TempComp   *float64
}

// Plan describes a whole calibration run.
type Plan struct {
	Sensor   string
	Points   []Point
	Session  protocol.Params // extra keys for the session command, e.g. k-value
	Readings int             // readings per point; 0 = DefaultReadings
}

func fixed(v float64) *float64 { return &v }

// PHValues are the buffer solutions and their temperatures.
type PHValues struct {
	Mid, High, Low             float64
	TempMid, TempHigh, TempLow float64
}

// DefaultPHValues returns the standard 7/10/4 buffers at 25 °C.
func DefaultPHValues() PHValues {
	return PHValues{Mid: 7.0, High: 10.0, Low: 4.0, TempMid: 25.0, TempHigh: 25.0, TempLow: 25.0}
}

// PHPlan builds a pH calibration. Mid is always first. A two point run
// adds second ("high" or "low"); three points go mid, high, low.
func PHPlan(points int, second string, v PHValues) (Plan, error) {
	mid := Point{Slot: "mid", FluidValue: fixed(v.Mid), TempComp: fixed(v.TempMid)}
	high := Point{Slot: "high", FluidValue: fixed(v.High), TempComp: fixed(v.TempHigh)}
	low := Point{Slot: "low", FluidValue: fixed(v.Low), TempComp: fixed(v.TempLow)}

	plan := Plan{Sensor: protocol.SensorPH}
	switch points {
	case 1:
		plan.Points = []Point{mid}
	case 2:
		switch second {
		case "high", "":
			plan.Points = []Point{mid, high}
		case "low":
			plan.Points = []Point{mid, low}
		default:
			return Plan{}, fmt.Errorf("second ph point must be high or low, not %q", second)
		}
	case 3:
		plan.Points = []Point{mid, high, low}
	default:
		return Plan{}, fmt.Errorf("ph calibration takes 1 to 3 points, not %d", points)
	}
	return plan, nil
}

// ECValues are the conductivity standards.
type ECValues struct {
	KValue    float64
	Low, High float64
	Temp      float64
}

// DefaultECValues returns K 1.0 probe standards.
func DefaultECValues() ECValues {
	return ECValues{KValue: 1.0, Low: 12880, High: 80000, Temp: 25.0}
}

// ECPlan builds a conductivity calibration. Dry always comes first.
func ECPlan(points int, v ECValues) (Plan, error) {
	dry := Point{Slot: "dry"}
	low := Point{Slot: "low", FluidValue: fixed(v.Low), TempComp: fixed(v.Temp)}
	high := Point{Slot: "high", FluidValue: fixed(v.High), TempComp: fixed(v.Temp)}

	plan := Plan{Sensor: protocol.SensorEC}
	plan.Session.SetFloat(protocol.KeyKValue, v.KValue)
	switch points {
	case 1:
		plan.Points = []Point{dry}
	case 2:
		plan.Points = []Point{dry, high}
	case 3:
		plan.Points = []Point{dry, low, high}
	default:
		return Plan{}, fmt.Errorf("ec calibration takes 1 to 3 points, not %d", points)
	}
	return plan, nil
}

// DOPlan builds a dissolved oxygen calibration: air, then zero solution.
func DOPlan(points int) (Plan, error) {
	plan := Plan{Sensor: protocol.SensorDO}
	switch points {
	case 1:
		plan.Points = []Point{{Slot: "air"}}
	case 2:
		plan.Points = []Point{{Slot: "air"}, {Slot: "zero"}}
	default:
		return Plan{}, fmt.Errorf("do calibration takes 1 or 2 points, not %d", points)
	}
	return plan, nil
}

// DefaultTUStandards are the turbidity standards in NTU.
var DefaultTUStandards = []float64{0, 20, 100}

// TUPlan builds a turbidity calibration from up to three NTU standards.
func TUPlan(standards []float64) (Plan, error) {
	if len(standards) == 0 || len(standards) > 3 {
		return Plan{}, fmt.Errorf("tu calibration takes 1 to 3 standards, not %d", len(standards))
	}
	slots := []string{"zero", "low", "high"}
	plan := Plan{Sensor: protocol.SensorTU}
	for i, ntu := range standards {
		plan.Points = append(plan.Points, Point{Slot: slots[i], FluidValue: fixed(ntu)})
	}
	return plan, nil
}

// Step reports calibration progress.
type Step struct {
	Stage    string // maintenance, calibrate, session, reading, accept, done
	Phase    int
	Slot     string
	Response commander.Response
}

// Calibrator runs calibration plans against one node.
type Calibrator struct {
	Client *Client
	Waiter *Waiter
	Node   string
	// Progress, when set, sees every response the run waits for.
	Progress func(Step)
	Logger   *slog.Logger
}

// Run walks the node through maintenance and calibrate mode, calibrates
// each point and returns the completion response.
func (c *Calibrator) Run(ctx context.Context, plan Plan) (commander.Response, error) {
	if !protocol.IsSensor(plan.Sensor) {
		return commander.Response{}, fmt.Errorf("unknown sensor %q", plan.Sensor)
	}
	if len(plan.Points) == 0 {
		return commander.Response{}, errors.New("calibration plan has no points")
	}
	readings := plan.Readings
	if readings <= 0 {
		readings = DefaultReadings
	}
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("node", c.Node, "sensor", plan.Sensor)

	for _, mode := range []string{protocol.ModeMaintenance, protocol.ModeCalibrate} {
		req := commander.Request{Request: commander.RequestMode, Mode: mode}
		if _, err := c.roundTrip(ctx, req, Step{Stage: mode}, protocol.SectionMode); err != nil {
			return commander.Response{}, err
		}
	}

	total := len(plan.Points)
	session := sessionParams(plan, total)
	sessionTx := c.Client.NewTxID()
	c.Waiter.Expect(sessionTx)
	defer c.Waiter.Forget(sessionTx)
	req := commander.Request{Request: commander.RequestCalibrate, TxID: commander.TxID(sessionTx), Body: session}
	if _, err := c.Client.SendCommand(ctx, c.Node, req); err != nil {
		return commander.Response{}, err
	}
	if _, err := c.await(ctx, sessionTx, Step{Stage: "session"}, protocol.SectionCalibrate); err != nil {
		return commander.Response{}, err
	}

	for phase, pt := range plan.Points {
		log.Info("calibrating point", "phase", phase, "slot", pt.Slot)
		body := sessionParams(plan, total)
		body.SetInt(protocol.KeyPhase, phase)
		body.Set(protocol.KeySlot, pt.Slot)
		if pt.FluidValue != nil {
			body.SetFloat(protocol.KeyFluidValue, *pt.FluidValue)
		}
		if pt.TempComp != nil {
			body.SetFloat(protocol.KeyTempComp, *pt.TempComp)
		}

		tx := c.Client.NewTxID()
		c.Waiter.Expect(tx)
		req := commander.Request{Request: commander.RequestCalibrate, TxID: commander.TxID(tx), Body: body}
		if _, err := c.Client.SendCommand(ctx, c.Node, req); err != nil {
			c.Waiter.Forget(tx)
			return commander.Response{}, err
		}
		for range readings {
			step := Step{Stage: "reading", Phase: phase, Slot: pt.Slot}
			if _, err := c.await(ctx, tx, step, protocol.SectionCalibrate); err != nil {
				c.Waiter.Forget(tx)
				return commander.Response{}, err
			}
		}
		c.Waiter.Forget(tx)

		accept := protocol.NewParams(protocol.KeySensor, plan.Sensor)
		accept.SetInt(protocol.KeyPoints, total)
		accept.SetInt(protocol.KeyPhase, phase)
		accept.Set(protocol.KeySlot, pt.Slot)
		accept.Set(protocol.KeyCommand, protocol.CommandAccept)
		req = commander.Request{Request: commander.RequestCalibrate, Body: accept}
		if _, err := c.roundTrip(ctx, req, Step{Stage: "accept", Phase: phase, Slot: pt.Slot}, protocol.SectionCalibrate); err != nil {
			return commander.Response{}, err
		}
	}

	done, err := c.await(ctx, sessionTx, Step{Stage: "done"}, protocol.SectionCalibrate)
	if err != nil {
		return commander.Response{}, err
	}
	p, err := done.Params()
	if err != nil {
		return done, err
	}
	if result := p.Value(protocol.KeyResult); result != protocol.ResultSucceeded {
		return done, fmt.Errorf("%w: calibrate_result %q", ErrUnexpected, result)
	}
	log.Info("calibration succeeded", "points", total)
	return done, nil
}

func sessionParams(plan Plan, total int) protocol.Params {
	p := protocol.NewParams(protocol.KeySensor, plan.Sensor)
	p.SetInt(protocol.KeyPoints, total)
	for _, k := range plan.Session.Keys() {
		p.Set(k, plan.Session.Value(k))
	}
	return p
}

// roundTrip sends req and waits for its single answer.
func (c *Calibrator) roundTrip(ctx context.Context, req commander.Request, step Step, want string) (commander.Response, error) {
	tx := c.Client.NewTxID()
	req.TxID = commander.TxID(tx)
	c.Waiter.Expect(tx)
	defer c.Waiter.Forget(tx)
	if _, err := c.Client.SendCommand(ctx, c.Node, req); err != nil {
		return commander.Response{}, err
	}
	return c.await(ctx, tx, step, want)
}

func (c *Calibrator) await(ctx context.Context, tx string, step Step, want string) (commander.Response, error) {
	r, err := c.Waiter.Wait(ctx, tx)
	if err != nil {
		return r, err
	}
	step.Response = r
	if c.Progress != nil {
		c.Progress(step)
	}
	switch r.Response {
	case lower(want):
		return r, nil
	case lower(protocol.SectionInvalid):
		return r, fmt.Errorf("%w: %s (tx_id %s)", ErrRejected, step.Stage, tx)
	}
	return r, fmt.Errorf("%w: %s to %s", ErrUnexpected, r.Response, step.Stage)
}
