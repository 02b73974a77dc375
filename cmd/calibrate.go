// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/operator"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

var (
	calSecond    string
	calKValue    float64
	calReadings  int
	calStandards []float64
	calTimeout   time.Duration
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate <node> <PH|EC|DO|TU> <points>",
	Short: "Run a sensor calibration on a node over the bus",
	Long: `Walk a node through maintenance and calibrate mode and calibrate one sensor.

Points per sensor:
  PH  1 to 3: mid, then high (or --second low), then low
  EC  1 to 3: dry, then high for two points, low and high for three
  DO  1 or 2: air, then zero solution
  TU  1 to 3: one slot per NTU standard (--standards)

Each point waits for --readings readings before it is accepted. The node only
answers when it wakes, so a full run can take many minutes.

Examples:
  buoygate calibrate buoy1 PH 3 --bus-url nats://localhost:4222
  buoygate calibrate buoy1 EC 2 --k-value 10
  buoygate calibrate buoy1 TU 2 --standards 0,40`,
	Args: cobra.ExactArgs(3),
	RunE: runCalibrate,
}

func init() {
	rootCmd.AddCommand(calibrateCmd)
	calibrateCmd.Flags().StringVar(&calSecond, "second", "high", "Second pH point for a two point run (high or low)")
	calibrateCmd.Flags().Float64Var(&calKValue, "k-value", operator.DefaultECValues().KValue, "EC probe K value")
	calibrateCmd.Flags().IntVar(&calReadings, "readings", operator.DefaultReadings, "Readings per point before accepting")
	calibrateCmd.Flags().Float64SliceVar(&calStandards, "standards", nil, "Turbidity standards in NTU")
	calibrateCmd.Flags().DurationVar(&calTimeout, "timeout", 30*time.Minute, "Timeout for the whole calibration")
}

// calibrationPlan builds the plan for a sensor name as typed by the user.
func calibrationPlan(sensor string, points int) (operator.Plan, error) {
	var plan operator.Plan
	var err error
	switch strings.ToLower(sensor) {
	case protocol.SensorPH:
		plan, err = operator.PHPlan(points, calSecond, operator.DefaultPHValues())
	case protocol.SensorEC:
		v := operator.DefaultECValues()
		v.KValue = calKValue
		plan, err = operator.ECPlan(points, v)
	case protocol.SensorDO:
		plan, err = operator.DOPlan(points)
	case protocol.SensorTU:
		standards := calStandards
		if len(standards) == 0 {
			if points < 1 || points > len(operator.DefaultTUStandards) {
				return operator.Plan{}, fmt.Errorf("tu calibration takes 1 to 3 points, not %d", points)
			}
			standards = operator.DefaultTUStandards[:points]
		} else if len(standards) != points {
			return operator.Plan{}, fmt.Errorf("%d standards given for %d points", len(standards), points)
		}
		plan, err = operator.TUPlan(standards)
	default:
		return operator.Plan{}, fmt.Errorf("unknown sensor %q", sensor)
	}
	if err != nil {
		return operator.Plan{}, err
	}
	plan.Readings = calReadings
	return plan, nil
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	node := args[0]
	points, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("points must be a number: %w", err)
	}
	plan, err := calibrationPlan(args[1], points)
	if err != nil {
		return err
	}

	sigCtx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, calTimeout)
	defer cancel()

	s, err := openOperator(ctx, node, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Buoygate - Calibration\n")
	fmt.Printf("Node: %s\n", node)
	fmt.Printf("Sensor: %s, %d points\n\n", plan.Sensor, len(plan.Points))

	cal := &operator.Calibrator{
		Client:   s.client,
		Waiter:   s.waiter,
		Node:     node,
		Progress: printStep,
		Logger:   logger,
	}
	done, err := cal.Run(ctx, plan)
	if err != nil {
		return err
	}
	fmt.Printf("\nCalibration complete\n")
	fmt.Print(operator.FormatEvent(operator.Event{Response: &done}))
	return nil
}

func printStep(step operator.Step) {
	timestamp := time.Now().Format("15:04:05")
	switch step.Stage {
	case "reading":
		fmt.Printf("[%s] point %d (%s): reading received\n", timestamp, step.Phase+1, step.Slot)
	case "accept":
		fmt.Printf("[%s] point %d (%s): accepted\n", timestamp, step.Phase+1, step.Slot)
	default:
		fmt.Printf("[%s] %s: %s\n", timestamp, step.Stage, step.Response.Response)
	}
}
