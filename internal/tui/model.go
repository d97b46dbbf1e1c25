// Package tui is the live sessions view. A one-second clock tick re-renders
// elapsed duration and accrued cost for every session, and the session list
// is re-polled while any session is still PENDING.
//
// Data flow:
//
//	[cache.Cache] --(Source)--> [Model] <- bubbletea event loop
//	                               |
//	                      [terminal output]
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	humanize "github.com/dustin/go-humanize"

	"github.com/labhya/labhya/internal/client"
	"github.com/labhya/labhya/internal/service/cost"
	"github.com/labhya/labhya/internal/service/lifecycle"
	"github.com/labhya/labhya/pkg/models"
)

const (
	DefaultTickInterval = time.Second
	DefaultPollInterval = lifecycle.DefaultPollInterval
)

// Source supplies sessions to the view
type Source interface {
	Sessions() []models.Session
	RefreshSessions(ctx context.Context) error
}

type tickMsg time.Time

type pollMsg struct{}

type refreshedMsg struct {
	err error
}

// Model is the bubbletea model of the live sessions view
type Model struct {
	ctx       context.Context
	source    Source
	projector *cost.Projector
	role      models.Role

	tickInterval time.Duration
	pollInterval time.Duration

	sessions   []models.Session
	selected   int
	now        time.Time
	refreshing bool
	polling    bool
	err        error
	expired    bool
	width      int
}

// Option configures the model
type Option func(*Model)

// WithTickInterval sets the re-render interval
func WithTickInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.tickInterval = d
		}
	}
}

// WithPollInterval sets the pending-session poll interval
func WithPollInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithProjector sets the cost projector (for testing)
func WithProjector(p *cost.Projector) Option {
	return func(m *Model) {
		m.projector = p
	}
}

// NewModel creates the view over source. Role selects the cost labels.
func NewModel(ctx context.Context, source Source, role models.Role, opts ...Option) Model {
	m := Model{
		ctx:          ctx,
		source:       source,
		projector:    cost.NewProjector(),
		role:         role,
		tickInterval: DefaultTickInterval,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.sessions = source.Sessions()
	m.now = m.projector.Now()
	return m
}

// Init implements tea.Model. Starts the clock and loads the sessions.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.refresh())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) schedulePoll() tea.Cmd {
	return tea.Tick(m.pollInterval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func (m Model) refresh() tea.Cmd {
	source, ctx := m.source, m.ctx
	return func() tea.Msg {
		return refreshedMsg{err: source.RefreshSessions(ctx)}
	}
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.now = m.projector.Now()
		if m.expired {
			return m, nil
		}
		return m, m.tick()

	case pollMsg:
		m.polling = false
		if m.expired || m.refreshing || !lifecycle.HasPending(m.sessions) {
			return m, nil
		}
		m.refreshing = true
		return m, m.refresh()

	case refreshedMsg:
		m.refreshing = false
		m.err = msg.err
		if client.IsAuthFailure(msg.err) {
			m.expired = true
			return m, nil
		}
		m.sessions = m.source.Sessions()
		if m.selected >= len(m.sessions) {
			m.selected = max(len(m.sessions)-1, 0)
		}
		if lifecycle.HasPending(m.sessions) && !m.polling {
			m.polling = true
			return m, m.schedulePoll()
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.sessions)-1 {
			m.selected++
		}
	case "r":
		if !m.refreshing && !m.expired {
			m.refreshing = true
			return m, m.refresh()
		}
	}
	return m, nil
}

// Polling reports whether a pending-session poll is scheduled
func (m Model) Polling() bool {
	return m.polling
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Sessions"))
	b.WriteString("  ")
	b.WriteString(mutedStyle.Render(m.now.Local().Format("15:04:05")))
	b.WriteString("\n\n")

	if m.expired {
		b.WriteString(errorStyle.Render("Session expired. Run `labhya login` and try again."))
		b.WriteString("\n")
		return b.String()
	}

	if len(m.sessions) == 0 {
		b.WriteString(mutedStyle.Render("No sessions."))
		b.WriteString("\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("  %-10s %-18s %-10s %-9s %12s", "ID", "GPU", "STATUS", "DURATION", m.costLabel())))
		b.WriteString("\n")
		for i := range m.sessions {
			b.WriteString(m.renderRow(i))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.renderSummary())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	status := "q quit  r refresh  j/k move"
	if m.polling {
		status += fmt.Sprintf("  waiting for host (polling every %s)", m.pollInterval)
	}
	b.WriteString(mutedStyle.Render(status))
	return b.String()
}

func (m Model) costLabel() string {
	if m.role == models.RoleHost {
		return "EARNED"
	}
	return "COST"
}

func (m Model) renderRow(i int) string {
	s := &m.sessions[i]

	duration, accrued := "-", "-"
	if s.Status == models.StatusActive || s.Status == models.StatusCompleted {
		duration = cost.SessionDuration(s, m.now).String()
		accrued = money(cost.Accrued(s, m.now))
	}

	gpu := s.GPUName
	if gpu == "" {
		gpu = s.GPU.Name
	}

	cursor := "  "
	if i == m.selected {
		cursor = "> "
	}

	line := fmt.Sprintf("%-10s %-18s %s %-9s %12s",
		truncate(s.ID, 10),
		truncate(gpu, 18),
		statusStyle(s.Status).Render(fmt.Sprintf("%-10s", s.Status)),
		duration,
		accrued)

	if i == m.selected {
		return selectedStyle.Render(cursor + line)
	}
	return cursor + line
}

func (m Model) renderSummary() string {
	sum := cost.Summarize(nil, m.sessions, nil, m.now)
	if m.role == models.RoleHost {
		return fmt.Sprintf("current %s   total %s   today %s",
			money(sum.CurrentEarnings), money(sum.TotalEarnings), money(sum.TodaysEarnings))
	}
	return fmt.Sprintf("active %d   pending %d   running cost %s",
		sum.ActiveSessions, sum.PendingSessions, money(sum.CurrentEarnings))
}

func money(a models.Amount) string {
	return humanize.FormatFloat("#,###.##", a.Float64())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
