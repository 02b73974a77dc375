// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Thermoquad/buoygate/pkg/commander"
	"github.com/Thermoquad/buoygate/pkg/operator"
)

// runListenTUI is listen --tui: an interactive view of the bus with mode
// changes for the selected node. Tab switches between the node list and the
// mode input; enter in the mode input sends it.
func runListenTUI() error {
	ctx, stop := signalContext()
	defer stop()

	// Log lines on stderr would draw over the alt screen.
	logger = slog.New(slog.DiscardHandler)

	events := make(chan operator.Event, 64)
	s, err := openOperator(ctx, "", func(ev operator.Event) {
		select {
		case events <- ev:
		default: // UI is behind
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()

	m := initialControlModel(s.client, conf.Bus.URL)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				p.Send(busEventMsg{event: ev, at: time.Now()})
			}
		}
	}()
	go seedNodes(ctx, p)

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// seedNodes asks the local gateway for the nodes it knows. The TUI works
// without it, so failures are only logged.
func seedNodes(ctx context.Context, p *tea.Program) {
	if conf.RPC.Listen == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := dialRPC(ctx)
	if err != nil {
		p.Send(logMsg{text: fmt.Sprintf("Gateway socket unavailable: %v", err)})
		return
	}
	defer client.Close()
	nodes, err := commander.RemoteNodes(ctx, client)
	if err != nil {
		p.Send(logMsg{text: fmt.Sprintf("Listing gateway nodes: %v", err), isError: true})
		return
	}
	p.Send(nodesMsg(nodes))
}
