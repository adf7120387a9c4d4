package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/simconsole/internal/engine"
)

const (
	statusInterval = 250 * time.Millisecond
	maxOutputLines = 200
)

// Messages
type (
	statusTickMsg  time.Time
	sessionDoneMsg struct{}
	noticeMsg      string
)

// Model is the bubbletea console.
type Model struct {
	ctx      context.Context
	ctl      Controller
	registry *CommandRegistry
	notices  <-chan string

	input    textinput.Model
	spinner  spinner.Model
	progress progress.Model

	status   engine.Status
	output   []string
	help     string
	showHelp bool
	stopped  bool
	width    int
	height   int
}

// NewModel creates the console model for ctl.
func NewModel(ctx context.Context, ctl Controller, registry *CommandRegistry, notices <-chan string) Model {
	ti := textinput.New()
	ti.Placeholder = "run, status, pause, resume, stop, runs, help, quit"
	ti.Prompt = "> "
	ti.CharLimit = 256
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = runningStyle

	return Model{
		ctx:      ctx,
		ctl:      ctl,
		registry: registry,
		notices:  notices,
		input:    ti,
		spinner:  sp,
		progress: progress.New(progress.WithScaledGradient("#7c3aed", "#06b6d4"), progress.WithoutPercentage()),
		status:   ctl.Status(),
		width:    80,
	}
}

// Init starts the status ticker and the session watchers.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		statusTick(),
		waitForDone(m.ctl.Done()),
		waitForNotice(m.notices),
	)
}

func statusTick() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}

func waitForDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return sessionDoneMsg{}
	}
}

func waitForNotice(notices <-chan string) tea.Cmd {
	if notices == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-notices
		if !ok {
			return nil
		}
		return noticeMsg(msg)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 4
		m.progress.Width = max(msg.Width-20, 10)
		return m, nil

	case statusTickMsg:
		m.status = m.ctl.Status()
		return m, statusTick()

	case sessionDoneMsg:
		m.stopped = true
		m.status = m.ctl.Status()
		m.appendOutput(noticeStyle.Render("Dispatcher stopped; leaving console."))
		return m, tea.Quit

	case noticeMsg:
		m.appendOutput(noticeStyle.Render(string(msg)))
		return m, waitForNotice(m.notices)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "esc":
		m.showHelp = false
		return m, nil

	case "enter":
		line := m.input.Value()
		m.input.Reset()
		return m.runLine(line)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) runLine(line string) (tea.Model, tea.Cmd) {
	if strings.TrimSpace(line) == "" {
		return m, nil
	}
	m.appendOutput(mutedStyle.Render("> " + line))

	cmd, args, err := m.registry.Parse(line)
	if err != nil {
		m.appendOutput(failedStyle.Render(err.Error()))
		return m, nil
	}

	res := execute(m.ctx, m.ctl, cmd, args)
	switch {
	case res.quit:
		return m, tea.Quit
	case res.err != nil:
		m.appendOutput(failedStyle.Render("error: " + res.err.Error()))
	case res.help:
		if m.help == "" {
			m.help = renderHelp(m.registry, styles.DarkStyle, m.width-4)
		}
		m.showHelp = true
	case res.output != "":
		for _, l := range strings.Split(res.output, "\n") {
			m.appendOutput(outputStyle.Render(l))
		}
	}
	m.status = m.ctl.Status()
	return m, nil
}

func (m *Model) appendOutput(line string) {
	m.output = append(m.output, line)
	if len(m.output) > maxOutputLines {
		m.output = m.output[len(m.output)-maxOutputLines:]
	}
}

// Output returns the console output lines, for tests.
func (m Model) Output() []string {
	return m.output
}

// View renders the console.
func (m Model) View() string {
	var sections []string

	title := fmt.Sprintf("simconsole · %s · session %s", m.status.Model, shortID(m.status.SessionID))
	sections = append(sections, headerStyle.Render(title))
	sections = append(sections, boxStyle.Width(max(m.width-2, 20)).Render(m.renderRun()))

	if m.showHelp {
		sections = append(sections, m.help+mutedStyle.Render("esc to close help"))
	} else {
		sections = append(sections, m.renderOutput())
	}

	sections = append(sections, m.input.View())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderRun() string {
	st := m.status
	var state string
	switch {
	case st.Stopped:
		state = failedStyle.Render("stopped")
	case st.Paused:
		state = noticeStyle.Render("paused")
	default:
		state = successStyle.Render("ready")
	}

	r := st.Run
	if r == nil {
		return fmt.Sprintf("dispatcher %s · %d realizations · max running %d\n%s",
			state, st.Realizations, st.MaxRunning, mutedStyle.Render("no run started, type run"))
	}

	pct := 0.0
	if r.Total > 0 {
		pct = float64(r.Finished()) / float64(r.Total)
	}
	indicator := successStyle.Render("✓")
	if r.FinishedAt == nil {
		indicator = m.spinner.View()
	}

	counts := fmt.Sprintf("%s running  %s ok  %s failed  %s cancelled  %s waiting",
		runningStyle.Render(fmt.Sprint(r.Running)),
		successStyle.Render(fmt.Sprint(r.Success)),
		failedStyle.Render(fmt.Sprint(r.Failed)),
		mutedStyle.Render(fmt.Sprint(r.Cancelled)),
		mutedStyle.Render(fmt.Sprint(r.Waiting)),
	)
	return fmt.Sprintf("dispatcher %s · run %s %s %s\n%s %3.0f%%\n%s",
		state, shortID(r.ID), r.State, indicator, m.progress.ViewAs(pct), pct*100, counts)
}

func (m Model) renderOutput() string {
	lines := m.output
	if limit := m.height - 10; limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return strings.Join(lines, "\n")
}
