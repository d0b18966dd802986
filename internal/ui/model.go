// Package ui is a terminal view of the channel's liveness flag. The program
// mounts a client when it starts and closes it before it exits.
package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Tyrowin/rosterpulse/internal/client"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).MarginLeft(1).Foreground(lipgloss.Color("#FFFDF5"))
	connectedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	disconnectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	infoStyle         = lipgloss.NewStyle().MarginLeft(2).Foreground(lipgloss.Color("#AFAFAF"))
	errorStyle        = lipgloss.NewStyle().MarginLeft(2).Foreground(lipgloss.Color("203"))
	paneStyle         = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(0, 1)
)

type mountedMsg struct{ c *client.Client }

type stateMsg client.State

type errMsg struct{ err error }

// slot owns the client between the mount command and the model. A client
// that finishes connecting after release is closed instead of handed over.
type slot struct {
	mu       sync.Mutex
	c        *client.Client
	released bool
	pending  sync.WaitGroup
}

func (s *slot) put(c *client.Client) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = c.Close()
		return false
	}
	s.c = c
	s.mu.Unlock()
	return true
}

func (s *slot) release() error {
	s.mu.Lock()
	s.released = true
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// Model is the bubbletea model for the liveness view.
type Model struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     client.Config
	slot    *slot
	client  *client.Client
	updates <-chan client.State
	unwatch func()

	state client.State
	err   error
}

// New returns a model that will connect with cfg once the program starts.
// Cancelling ctx, or unmounting, aborts a connect still in progress.
func New(ctx context.Context, cfg client.Config) Model {
	ctx, cancel := context.WithCancel(ctx)
	return Model{ctx: ctx, cancel: cancel, cfg: cfg, slot: &slot{}}
}

// Init mounts the client.
func (m Model) Init() tea.Cmd {
	ctx, cfg, s := m.ctx, m.cfg, m.slot
	s.pending.Add(1)
	return func() tea.Msg {
		defer s.pending.Done()

		c := client.New(cfg)
		if err := c.Initialize(ctx); err != nil {
			return errMsg{err}
		}
		if !s.put(c) {
			return nil
		}
		return mountedMsg{c}
	}
}

func waitForState(ch <-chan client.State) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(s)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case mountedMsg:
		m.client = msg.c
		m.updates, m.unwatch = msg.c.Watch()
		return m, waitForState(m.updates)

	case stateMsg:
		m.state = client.State(msg)
		return m, waitForState(m.updates)

	case errMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m = m.Unmount()
			return m, tea.Quit
		}
	}
	return m, nil
}

// Unmount aborts a pending connect and closes the client, if any. It is safe
// to call more than once.
func (m Model) Unmount() Model {
	if m.unwatch != nil {
		m.unwatch()
		m.unwatch = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.slot != nil {
		if err := m.slot.release(); err != nil && m.err == nil {
			m.err = err
		}
	}
	m.client = nil
	m.state = client.Disconnected
	return m
}

// wait blocks until the mount command, if started, has returned.
func (m Model) wait() {
	if m.slot != nil {
		m.slot.pending.Wait()
	}
}

// Connected reports the liveness flag as last observed by the view.
func (m Model) Connected() bool { return m.state == client.Connected }

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("rosterpulse"))
	b.WriteString("\n\n")

	status := disconnectedStyle.Render("○ disconnected")
	if m.state == client.Connected {
		status = connectedStyle.Render("● connected")
	}
	body := status
	if m.client != nil && m.client.ID() != "" {
		body += "\n" + infoStyle.Render(fmt.Sprintf("connection %s", m.client.ID()))
	}
	b.WriteString(paneStyle.Render(body))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(infoStyle.Render("q to quit"))
	b.WriteString("\n")
	return b.String()
}

// Run shows the view until the user quits or ctx is cancelled. The client is
// closed before Run returns in both cases, including when the user quits
// while it is still connecting.
func Run(ctx context.Context, cfg client.Config, opts ...tea.ProgramOption) error {
	model := New(ctx, cfg)
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(model, opts...)

	final, err := p.Run()
	m, ok := final.(Model)
	if !ok {
		m = model
	}
	m = m.Unmount()
	m.wait()
	if err == nil {
		err = m.err
	}
	return err
}
