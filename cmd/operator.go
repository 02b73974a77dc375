// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"

	"github.com/Thermoquad/buoygate/pkg/bus"
	"github.com/Thermoquad/buoygate/pkg/operator"
)

// operatorSession is an operator client on the bus with every response
// on the master subject handed to a waiter.
type operatorSession struct {
	bus    bus.Bus
	client *operator.Client
	waiter *operator.Waiter
	stop   func()
}

// openOperator connects to the bus and starts listening. onEvent, when
// set, sees every event before the waiter does.
func openOperator(ctx context.Context, node string, onEvent func(operator.Event)) (*operatorSession, error) {
	b, err := openOperatorBus(ctx)
	if err != nil {
		return nil, err
	}
	s := &operatorSession{
		bus:    b,
		client: operator.NewClient(b, conf.Topics(), nil, logger),
		waiter: operator.NewWaiter(node),
	}
	s.stop, err = s.client.Listen(func(ev operator.Event) {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Response != nil {
			s.waiter.Deliver(*ev.Response)
		}
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}

func (s *operatorSession) Close() {
	s.stop()
	s.bus.Close()
}
