// Package tui renders live progress for an investigation or a scan from the
// events published on the bus.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-inquest/internal/bus"
)

// ErrInterrupted is returned by Run when the view is closed before the work
// finishes.
var ErrInterrupted = errors.New("tui: interrupted")

// Work is the operation whose progress is shown. Its text is printed when it
// finishes.
type Work func(ctx context.Context) (string, error)

type ctxDoneMsg struct{}

type eventMsg struct {
	event bus.Event
}

type doneMsg struct {
	text string
	err  error
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	ctx   context.Context
	title string
	sub   *bus.Subscription
	spin  spinner.Model
	feed  *ActivityFeed

	headline string
	execDone int
	execFail int

	done   bool
	result doneMsg
}

func newModel(ctx context.Context, title string, sub *bus.Subscription) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	return model{ctx: ctx, title: title, sub: sub, spin: sp, feed: NewActivityFeed()}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spin.Tick, waitCtxDone(m.ctx)}
	if m.sub != nil {
		cmds = append(cmds, waitForEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case ctxDoneMsg:
		return m, tea.Quit
	case doneMsg:
		m.done = true
		m.result = msg
		return m, tea.Quit
	case eventMsg:
		m = m.apply(msg.event)
		if m.sub != nil {
			return m, waitForEvent(m.sub)
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// apply folds one bus event into the view state.
func (m model) apply(ev bus.Event) model {
	switch p := ev.Payload.(type) {
	case bus.StepEvent:
		if p.Stage != "start" {
			return m
		}
		m.feed.Start(runKey(p.RunID, p.AgentID), p.AgentID,
			fmt.Sprintf("%s (iteration %d)", p.Phase, p.Iteration))
	case bus.AgentEvent:
		id := runKey(p.RunID, p.AgentID)
		if ev.Topic == bus.TopicAgentFailed {
			m.feed.Complete(id, p.AgentID, iconFailed, errorStyle.Render(humanError(p.Error)))
			return m
		}
		detail := fmt.Sprintf("%d findings", p.Findings)
		if p.Severity != "" {
			detail += ", severity " + p.Severity
		}
		m.feed.Complete(id, p.AgentID, iconDone, detail)
	case bus.RouteEvent:
		verb := "routed to"
		if ev.Topic == bus.TopicInvestigationRerouted {
			verb = "rerouted to"
		}
		m.headline = fmt.Sprintf("%s %s", verb, strings.Join(p.Agents, ", "))
		if p.Synthesis {
			m.headline += " (synthesis)"
		}
	case bus.InvestigationEvent:
		m.headline = fmt.Sprintf("investigation %s: %d outputs", p.Status, p.Outputs)
	case bus.ScanStatusEvent:
		m.headline = fmt.Sprintf("scan %s", p.Status)
		if p.Detail != "" {
			m.headline += ": " + p.Detail
		}
	case bus.ScanExecutionEvent:
		if p.Error != "" {
			m.execFail++
		} else {
			m.execDone++
		}
	}
	return m
}

func runKey(runID, agentID string) string {
	if runID != "" {
		return runID
	}
	return agentID
}

func (m model) View() string {
	var b strings.Builder
	if m.done {
		b.WriteString(titleStyle.Render(m.title))
	} else {
		b.WriteString(m.spin.View() + " " + titleStyle.Render(m.title))
	}
	b.WriteString("\n")
	if m.headline != "" {
		b.WriteString(headlineStyle.Render(m.headline) + "\n")
	}
	if m.execDone+m.execFail > 0 {
		b.WriteString(headlineStyle.Render(fmt.Sprintf("executions: %d done, %d failed", m.execDone, m.execFail)) + "\n")
	}
	b.WriteString("\n" + m.feed.View())
	if !m.done {
		b.WriteString("\n" + hintStyle.Render("Press q to stop watching.") + "\n")
		return b.String()
	}
	if m.result.err != nil {
		b.WriteString("\n" + errorStyle.Render("error: "+m.result.err.Error()) + "\n")
	}
	return b.String()
}

// Run shows progress for work until it finishes and returns its result.
// Closing the view early cancels work and returns ErrInterrupted.
func Run(ctx context.Context, b *bus.Bus, title string, work Work) (string, error) {
	defer restoreTTY()

	var sub *bus.Subscription
	if b != nil {
		sub = b.Subscribe("")
		defer b.Unsubscribe(sub)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newModel(ctx, title, sub))
	results := make(chan doneMsg, 1)
	go func() {
		text, err := work(ctx)
		res := doneMsg{text: text, err: err}
		results <- res
		p.Send(res)
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		return "", fmt.Errorf("tui: %w", err)
	}
	select {
	case res := <-results:
		return res.text, res.err
	default:
		cancel()
		return "", ErrInterrupted
	}
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

// waitForEvent blocks until the next event arrives on the subscription.
func waitForEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return eventMsg{event: event}
	}
}
