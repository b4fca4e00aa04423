// Package tui provides the live "watch" dashboard: a scrolling event log
// plus a progress gauge, fed by an EventBus subscription.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/waypoint-labs/sessionctl/internal/eventbus"
)

const maxLogLines = 200

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c7086"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#96E6A1"))
	gaugeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#45B7D1"))
)

// EventMsg wraps one bus event for bubbletea's Update loop.
type EventMsg eventbus.Event

// closedMsg signals the subscription channel closed (unsubscribe called).
type closedMsg struct{}

// Model is the bubbletea model for `sessionctl watch`.
type Model struct {
	projectID   string
	events      <-chan eventbus.Event
	unsubscribe func()

	lines          []string
	gauge          progress.Model
	epicsCompleted int
	tasksDone      int
	tasksTotal     int
	lastDropped    int
	width          int
	done           bool
}

// New builds a watch Model already subscribed through events/unsubscribe (the
// caller owns the orchestrator.Subscribe call so tests can inject a fake
// channel).
func New(projectID string, events <-chan eventbus.Event, unsubscribe func()) Model {
	g := progress.New(progress.WithDefaultGradient())
	g.Width = 32
	return Model{projectID: projectID, events: events, unsubscribe: unsubscribe, gauge: g, width: 100}
}

func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return EventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 40; w > 10 {
			m.gauge.Width = w
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.done = true
			if m.unsubscribe != nil {
				m.unsubscribe()
			}
			return m, tea.Quit
		}
		return m, nil
	case closedMsg:
		m.done = true
		return m, tea.Quit
	case EventMsg:
		m.apply(eventbus.Event(msg))
		if eventbus.EventType(msg.Type) == eventbus.SessionComplete || eventbus.EventType(msg.Type) == eventbus.SessionError {
			return m, nil
		}
		return m, m.waitForEvent()
	}
	return m, nil
}

func (m *Model) apply(ev eventbus.Event) {
	line := formatEvent(ev)
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}

	switch p := ev.Payload.(type) {
	case eventbus.ProgressUpdatePayload:
		m.epicsCompleted = p.EpicsCompleted
		m.tasksDone = p.TasksCompleted
		m.tasksTotal = p.TasksTotal
	case eventbus.LaggedPayload:
		m.lastDropped += p.DroppedN
	}
}

func formatEvent(ev eventbus.Event) string {
	ts := time.Now().Format("15:04:05")
	switch p := ev.Payload.(type) {
	case eventbus.SessionStartedPayload:
		return fmt.Sprintf("%s session #%d (%s) started", ts, p.Number, p.Type)
	case eventbus.ToolUsePayload:
		return fmt.Sprintf("%s tool %s (use #%d)", ts, p.ToolName, p.CumulativeCount)
	case eventbus.AssistantMessagePayload:
		return fmt.Sprintf("%s %s", ts, p.Text)
	case eventbus.ProgressUpdatePayload:
		return fmt.Sprintf("%s progress: %d epics done, %d/%d tasks done", ts, p.EpicsCompleted, p.TasksCompleted, p.TasksTotal)
	case eventbus.SessionCompletePayload:
		return fmt.Sprintf("%s session %s complete: %s (%.1fs)", ts, p.SessionID, p.Status, p.DurationS)
	case eventbus.SessionErrorPayload:
		return fmt.Sprintf("%s session %s error [%s]: %s", ts, p.SessionID, p.Code, p.Detail)
	case eventbus.LaggedPayload:
		return fmt.Sprintf("%s ... %d events dropped (slow consumer) ...", ts, p.DroppedN)
	default:
		return fmt.Sprintf("%s %s", ts, ev.Type)
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("sessionctl watch — project %s", m.projectID)))
	b.WriteString("\n")
	b.WriteString(m.renderGauge())
	b.WriteString(fmt.Sprintf("  epics completed: %d", m.epicsCompleted))
	if m.lastDropped > 0 {
		b.WriteString(errStyle.Render(fmt.Sprintf("  (%d events dropped)", m.lastDropped)))
	}
	b.WriteString("\n\n")
	for _, line := range m.lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.done {
		b.WriteString(okStyle.Render("\n[stream closed — press any key to exit]\n"))
	} else {
		b.WriteString(dimStyle.Render("\n[q to quit]\n"))
	}
	return b.String()
}

func (m Model) renderGauge() string {
	if m.tasksTotal <= 0 {
		return m.gauge.ViewAs(0)
	}
	frac := float64(m.tasksDone) / float64(m.tasksTotal)
	if frac > 1 {
		frac = 1
	}
	return fmt.Sprintf("%s %s", m.gauge.ViewAs(frac), gaugeStyle.Render(fmt.Sprintf("%d/%d tasks", m.tasksDone, m.tasksTotal)))
}
