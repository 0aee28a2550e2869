package tui

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jamesainslie/minepref/pkg/client"
	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/minepref/output"
)

// Options configures the live view.
type Options struct {
	StatusPath string

	// Collect turns a status file into what is displayed. Nil shows the status file alone.
	Collect func(ctx context.Context, status *daemon.StatusFile) *output.Result

	// Watch follows the status file. Nil means client.WatchStatus.
	Watch func(ctx context.Context, path string, onChange func(*daemon.StatusFile)) error
}

// statusMsg carries a fresh status file.
type statusMsg struct {
	status *daemon.StatusFile
}

// watchDoneMsg reports that following the status file stopped.
type watchDoneMsg struct {
	err error
}

// Model is the Bubble Tea model of the live view.
type Model struct {
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	updates chan *daemon.StatusFile

	spinner spinner.Model
	status  *daemon.StatusFile
	result  *output.Result
	cycles  *cycleRing
	scroll  int
	err     error

	width  int
	height int
}

// NewModel creates the model. The watch stops when ctx is done or the user quits.
func NewModel(ctx context.Context, opts Options) Model {
	if opts.Watch == nil {
		opts.Watch = client.WatchStatus
	}
	if opts.Collect == nil {
		opts.Collect = func(_ context.Context, s *daemon.StatusFile) *output.Result {
			return &output.Result{Status: s}
		}
	}

	ctx, cancel := context.WithCancel(ctx)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return Model{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan *daemon.StatusFile, 16),
		spinner: s,
		cycles:  newCycleRing(100),
		width:   80,
		height:  24,
	}
}

// Init starts the watch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.watch(), m.listen())
}

func (m Model) watch() tea.Cmd {
	ctx, opts, updates := m.ctx, m.opts, m.updates
	return func() tea.Msg {
		err := opts.Watch(ctx, opts.StatusPath, func(s *daemon.StatusFile) {
			select {
			case updates <- s:
			case <-ctx.Done():
			}
		})
		return watchDoneMsg{err: err}
	}
}

func (m Model) listen() tea.Cmd {
	ctx, updates := m.ctx, m.updates
	return func() tea.Msg {
		select {
		case s := <-updates:
			return statusMsg{status: s}
		case <-ctx.Done():
			return nil
		}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case statusMsg:
		m.setStatus(msg.status)
		return m, m.listen()

	case watchDoneMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		return m, nil

	case spinner.TickMsg:
		if m.result != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) setStatus(s *daemon.StatusFile) {
	m.status = s
	m.result = m.opts.Collect(m.ctx, s)
	if s.LastCycle != nil && m.cycles.Add(*s.LastCycle) && m.scroll > 0 {
		// Keep the rows in view while scrolled back.
		m.scroll++
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		m.cancel()
		return m, tea.Quit
	case "up", "k":
		if m.scroll > 0 {
			m.scroll--
		}
	case "down", "j":
		m.scroll = clampScroll(m.scroll+1, m.cycles.Len(), m.cycleRows())
	case "r":
		if m.status != nil {
			m.result = m.opts.Collect(m.ctx, m.status)
		}
	}
	return m, nil
}

func (m Model) body() string {
	if m.result == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := (&output.PrettyFormatter{}).Format(&buf, m.result); err != nil {
		return errorTextStyle.Render(err.Error())
	}
	return strings.TrimRight(buf.String(), "\n")
}

// cycleRows is the height left for the cycles pane.
func (m Model) cycleRows() int {
	used := lipgloss.Height(m.body()) + 4
	return max(m.height-used, 3) - 2
}

// View renders the live view.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(" " + titleStyle.Render("MINEPREF"))
	b.WriteString(successTextStyle.Render("  ● LIVE"))
	b.WriteString(mutedTextStyle.Render("  " + m.opts.StatusPath))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorTextStyle.Render(fmt.Sprintf("watch stopped: %v", m.err)))
		b.WriteString("\n")
	}

	if m.result == nil {
		b.WriteString(fmt.Sprintf(" %s %s\n", m.spinner.View(),
			warningTextStyle.Render("waiting for the daemon to write its status file")))
	} else {
		b.WriteString(m.body())
		b.WriteString("\n\n")
		b.WriteString(renderCycles(m.cycles, m.scroll, m.width, m.cycleRows()+2))
	}

	b.WriteString(mutedTextStyle.Render(" [↑/↓] scroll  [r] refresh  [q] quit"))
	return b.String()
}

// Run shows the live view until the user quits or ctx is done.
func Run(ctx context.Context, opts Options) error {
	m := NewModel(ctx, opts)
	defer m.cancel()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running live view: %w", err)
	}
	return nil
}
