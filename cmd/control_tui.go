// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/buoygate/pkg/commander"
	"github.com/Thermoquad/buoygate/pkg/operator"
	"github.com/Thermoquad/buoygate/pkg/protocol"
)

const (
	focusNodeList = iota
	focusModeInput
)

const pingIntervalSeconds = 30

// controlSender is the part of operator.Client the TUI sends with.
type controlSender interface {
	NewTxID() string
	SendCommand(ctx context.Context, node string, req commander.Request) (string, error)
	PingTx(ctx context.Context, tx string) error
}

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// nodeItem is a node heard on the bus or listed by the gateway.
type nodeItem struct {
	name     string
	streamID string
	lastSeen time.Time
	last     string // last thing heard
	ago      string // rendered on tick
}

// Implement list.Item interface
func (n nodeItem) Title() string { return n.name }
func (n nodeItem) Description() string {
	if n.lastSeen.IsZero() {
		return "not heard yet"
	}
	return fmt.Sprintf("%s, %s ago", n.last, n.ago)
}
func (n nodeItem) FilterValue() string { return n.name }

// pendingRequest is a request sent from the TUI and not yet answered.
type pendingRequest struct {
	what string
	sent time.Time
}

type eventCounts struct {
	responses     int
	notifications int
	data          int
	invalid       int
}

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	sender  controlSender
	busInfo string

	nodes     map[string]*nodeItem
	nodeList  list.Model
	modeInput textinput.Model
	spinner   spinner.Model
	focus     int

	pending  map[string]pendingRequest
	counts   eventCounts
	lastPing time.Time
	lastPong time.Time
	pingTx   string

	log           []logEntry
	maxLogEntries int

	now      time.Time
	width    int
	height   int
	quitting bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type busEventMsg struct {
	event operator.Event
	at    time.Time
}

type nodesMsg []commander.NodeInfo

type logMsg struct {
	text    string
	isError bool
}

type sentMsg struct {
	tx  string
	err error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(sender controlSender, busInfo string) controlModel {
	ti := textinput.New()
	ti.Placeholder = protocol.ModeMaintenance
	ti.CharLimit = 16
	ti.Width = 16

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	nodeList := list.New([]list.Item{}, delegate, 36, 10)
	nodeList.Title = "Nodes"
	nodeList.SetShowStatusBar(false)
	nodeList.SetShowHelp(false)
	nodeList.SetFilteringEnabled(false)

	return controlModel{
		sender:        sender,
		busInfo:       busInfo,
		nodes:         make(map[string]*nodeItem),
		nodeList:      nodeList,
		modeInput:     ti,
		spinner:       spinner.New(spinner.WithSpinner(spinner.Dot)),
		focus:         focusNodeList,
		pending:       make(map[string]pendingRequest),
		maxLogEntries: 100,
		now:           time.Now(),
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), m.spinner.Tick)
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.nodeList.SetHeight(max(m.height/2-4, 6))
		return m, nil

	case controlTickMsg:
		m.now = time.Time(msg)
		cmds := []tea.Cmd{controlTickCmd()}
		if m.now.Sub(m.lastPing) >= pingIntervalSeconds*time.Second {
			cmds = append(cmds, m.ping())
		}
		cmds = append(cmds, m.refreshNodes())
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case busEventMsg:
		return m, m.handleEvent(msg.event, msg.at)

	case nodesMsg:
		for _, n := range msg {
			item := m.node(n.Node)
			item.streamID = n.StreamID
		}
		m.addLogEntry(fmt.Sprintf("Gateway knows %d nodes", len(msg)), false)
		return m, m.refreshNodes()

	case logMsg:
		m.addLogEntry(msg.text, msg.isError)
		return m, nil

	case sentMsg:
		if msg.err != nil {
			if p, ok := m.pending[msg.tx]; ok {
				m.addLogEntry(fmt.Sprintf("Sending %s failed: %v", p.what, msg.err), true)
				delete(m.pending, msg.tx)
			}
		}
		return m, nil
	}

	return m, nil
}

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.focus == focusNodeList {
			m.focus = focusModeInput
			return m, m.modeInput.Focus()
		}
		m.focus = focusNodeList
		m.modeInput.Blur()
		return m, nil
	}

	if m.focus == focusModeInput {
		if msg.String() == "enter" {
			return m, m.sendMode()
		}
		var cmd tea.Cmd
		m.modeInput, cmd = m.modeInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "p":
		return m, m.ping()
	}
	var cmd tea.Cmd
	m.nodeList, cmd = m.nodeList.Update(msg)
	return m, cmd
}

//////////////////////////////////////////////////////////////
// Events
//////////////////////////////////////////////////////////////

func (m *controlModel) handleEvent(ev operator.Event, at time.Time) tea.Cmd {
	switch {
	case ev.Response != nil:
		r := ev.Response
		m.counts.responses++
		tx := string(r.TxID)
		if r.Response == strings.ToLower(protocol.SectionInvalid) {
			m.counts.invalid++
		}
		if tx != "" && tx == m.pingTx {
			m.lastPong = at
			m.pingTx = ""
			m.addLogEntry(fmt.Sprintf("Gateway %s answered ping in %v", r.Platform, at.Sub(m.lastPing).Round(time.Millisecond)), false)
			return nil
		}
		if r.Node != "" {
			m.seen(r.Node, "response "+r.Response, at)
		}
		if p, ok := m.pending[tx]; ok {
			delete(m.pending, tx)
			m.addLogEntry(fmt.Sprintf("%s answered with %s", p.what, r.Response), r.Response == strings.ToLower(protocol.SectionInvalid))
		} else {
			m.addLogEntry(fmt.Sprintf("Response %s from %s (tx_id %s)", r.Response, orUnknown(r.Node), tx), false)
		}

	case ev.Notify != nil:
		n := ev.Notify
		m.counts.notifications++
		m.seen(n.Node, "notify "+n.Notify, at)
		m.addLogEntry(fmt.Sprintf("Notification %s from %s", n.Notify, orUnknown(n.Node)), false)

	case ev.Data != nil:
		d := ev.Data
		m.counts.data++
		m.seen(d.Node, "data", at)

	default:
		m.addLogEntry("Stray message on "+ev.Subject, true)
	}
	return m.refreshNodes()
}

func (m *controlModel) node(name string) *nodeItem {
	n, ok := m.nodes[name]
	if !ok {
		n = &nodeItem{name: name}
		m.nodes[name] = n
		m.addLogEntry("New node "+name, false)
	}
	return n
}

func (m *controlModel) seen(name, what string, at time.Time) {
	if name == "" {
		return
	}
	n := m.node(name)
	n.lastSeen = at
	n.last = what
}

// refreshNodes rebuilds the list items in name order, keeping the
// selection on the same node.
func (m *controlModel) refreshNodes() tea.Cmd {
	selected := m.selectedNode()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]list.Item, len(names))
	index := 0
	for i, name := range names {
		n := m.nodes[name]
		if !n.lastSeen.IsZero() {
			n.ago = formatUptime(uint64(max(m.now.Sub(n.lastSeen), 0).Milliseconds()))
		}
		items[i] = *n
		if name == selected {
			index = i
		}
	}
	cmd := m.nodeList.SetItems(items)
	m.nodeList.Select(index)
	return cmd
}

func (m *controlModel) selectedNode() string {
	if item, ok := m.nodeList.SelectedItem().(nodeItem); ok {
		return item.name
	}
	return ""
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m *controlModel) sendMode() tea.Cmd {
	node := m.selectedNode()
	mode := strings.TrimSpace(m.modeInput.Value())
	if node == "" {
		m.addLogEntry("Cannot send mode: no node selected", true)
		return nil
	}
	switch mode {
	case protocol.ModeLive, protocol.ModeMaintenance, protocol.ModeCalibrate:
	default:
		m.addLogEntry(fmt.Sprintf("Unknown mode %q", mode), true)
		return nil
	}

	tx := m.sender.NewTxID()
	what := fmt.Sprintf("mode %s to %s", mode, node)
	m.pending[tx] = pendingRequest{what: what, sent: m.now}
	m.modeInput.SetValue("")
	m.addLogEntry(fmt.Sprintf("Sent %s (tx_id %s)", what, tx), false)

	sender := m.sender
	req := commander.Request{Request: commander.RequestMode, TxID: commander.TxID(tx), Mode: mode}
	return func() tea.Msg {
		_, err := sender.SendCommand(context.Background(), node, req)
		return sentMsg{tx: tx, err: err}
	}
}

func (m *controlModel) ping() tea.Cmd {
	tx := m.sender.NewTxID()
	m.pingTx = tx
	m.lastPing = m.now
	sender := m.sender
	return func() tea.Msg {
		if err := sender.PingTx(context.Background(), tx); err != nil {
			return logMsg{text: fmt.Sprintf("Ping failed: %v", err), isError: true}
		}
		return nil
	}
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{timestamp: time.Now(), message: message, isError: isError})

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "gateway"
	}
	return s
}

// formatUptime formats a duration in milliseconds to a human-friendly string
func formatUptime(ms uint64) string {
	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	unit := func(n uint64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, unit(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	var s strings.Builder
	s.WriteString(titleStyle.Render("BUOYGATE - CONTROL"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Bus: %s | Tab: switch focus | p: ping | q: quit", m.busInfo)))
	s.WriteString("\n\n")

	// Counters
	gateway := warningStyle.Render("no answer yet")
	if !m.lastPong.IsZero() {
		gateway = statsValueStyle.Render("answered " + formatUptime(uint64(max(m.now.Sub(m.lastPong), 0).Milliseconds())) + " ago")
	}
	invalid := statsValueStyle.Render(fmt.Sprintf("%d", m.counts.invalid))
	if m.counts.invalid > 0 {
		invalid = errorStyle.Render(fmt.Sprintf("%d", m.counts.invalid))
	}
	stats := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n%s %s",
		statsLabelStyle.Render("Responses:"), statsValueStyle.Render(fmt.Sprintf("%d", m.counts.responses)),
		statsLabelStyle.Render("Invalid:"), invalid,
		statsLabelStyle.Render("Notifications:"), statsValueStyle.Render(fmt.Sprintf("%d", m.counts.notifications)),
		statsLabelStyle.Render("Data:"), statsValueStyle.Render(fmt.Sprintf("%d", m.counts.data)),
		statsLabelStyle.Render("Gateway:"), gateway,
	)
	s.WriteString(boxStyle.Render(stats))
	s.WriteString("\n")

	// Node list and control panel side by side
	listBox := boxStyle
	controlBox := boxStyle
	if m.focus == focusNodeList {
		listBox = focusedBoxStyle
	} else {
		controlBox = focusedBoxStyle
	}

	var panel strings.Builder
	node := m.selectedNode()
	if node == "" {
		panel.WriteString(headerStyle.Render("Waiting for nodes..."))
	} else {
		n := m.nodes[node]
		panel.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Node:"), statsValueStyle.Render(node)))
		if n != nil && n.streamID != "" {
			panel.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render("Stream:"), n.streamID))
		}
		panel.WriteString(fmt.Sprintf("\n%s\n%s\n", statsLabelStyle.Render("Mode (live, maintenance, calibrate):"), m.modeInput.View()))
	}
	if len(m.pending) > 0 {
		panel.WriteString("\n")
		txs := make([]string, 0, len(m.pending))
		for tx := range m.pending {
			txs = append(txs, tx)
		}
		sort.Strings(txs)
		for _, tx := range txs {
			p := m.pending[tx]
			panel.WriteString(fmt.Sprintf("%s %s %s\n", m.spinner.View(), p.what,
				headerStyle.Render("("+formatUptime(uint64(max(m.now.Sub(p.sent), 0).Milliseconds()))+")")))
		}
	}

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		listBox.Render(m.nodeList.View()),
		controlBox.Width(max(m.width-44, 30)).Render(panel.String()),
	))
	s.WriteString("\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - m.nodeList.Height() - 14
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := max(len(m.log)-logHeight, 0)

	var logContent strings.Builder
	if len(m.log) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.log[startIdx:] {
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
			}
		}
	}
	s.WriteString(boxStyle.Width(max(m.width-4, 20)).Render(logContent.String()))

	return s.String()
}
