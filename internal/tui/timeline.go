// Package tui provides the interactive timeline view over tracked tasks:
// the history log on the left, the selected task's flow detail on the
// right, refreshed live from the shared store.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
)

const refreshInterval = 2 * time.Second

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 1)

	workingStyle = lipgloss.NewStyle().Foreground(warningColor)
	readyStyle   = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	mergedStyle  = lipgloss.NewStyle().Foreground(mutedColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

// Backend is what the timeline reads from and mutates. Satisfied by the
// watchd service components.
type Backend interface {
	History(ctx context.Context) ([]history.Entry, error)
	Flow(ctx context.Context, taskID string) (flow.Resolution, error)
	CloseTask(ctx context.Context, taskID string) error
	ClearFlow(ctx context.Context, taskID string) error
}

type entriesMsg struct {
	entries []history.Entry
	err     error
}

type flowMsg struct {
	res flow.Resolution
	err error
}

type tickMsg time.Time

type actionDoneMsg struct{ err error }

var statusFilters = []string{"", history.StatusWorking, history.StatusReady, history.StatusPRCreated, history.StatusMerged}

// Model is the timeline TUI model.
type Model struct {
	backend Backend

	entries     []history.Entry
	filtered    []history.Entry
	selectedIdx int
	filterIdx   int

	current  *flow.Resolution
	detail   viewport.Model
	width    int
	height   int
	message  string
	loading  bool
	showHelp bool
}

// New creates a timeline model over a backend.
func New(backend Backend) *Model {
	return &Model{
		backend: backend,
		detail:  viewport.New(40, 20),
		loading: true,
	}
}

// Run starts the timeline program and blocks until it exits.
func (m *Model) Run() error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchEntries(), m.tick())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.detail.Width = msg.Width/2 - 4
		m.detail.Height = msg.Height - 8

	case tickMsg:
		return m, tea.Batch(m.fetchEntries(), m.fetchSelectedFlow(), m.tick())

	case entriesMsg:
		m.loading = false
		if msg.err != nil {
			m.message = msg.err.Error()
			break
		}
		m.entries = msg.entries
		m.applyFilter()

	case flowMsg:
		if msg.err == nil {
			res := msg.res
			m.current = &res
			m.detail.SetContent(m.renderFlow(res))
		}

	case actionDoneMsg:
		if msg.err != nil {
			m.message = msg.err.Error()
		}
		return m, m.fetchEntries()
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "up", "k":
		if m.selectedIdx > 0 {
			m.selectedIdx--
		}
		return m, m.fetchSelectedFlow()

	case "down", "j":
		if m.selectedIdx < len(m.filtered)-1 {
			m.selectedIdx++
		}
		return m, m.fetchSelectedFlow()

	case "tab":
		m.filterIdx = (m.filterIdx + 1) % len(statusFilters)
		m.applyFilter()
		return m, m.fetchSelectedFlow()

	case "r":
		return m, m.fetchEntries()

	case "c":
		if e, ok := m.selected(); ok {
			return m, m.doAction(func(ctx context.Context) error {
				return m.backend.CloseTask(ctx, e.ID)
			})
		}

	case "x":
		if e, ok := m.selected(); ok {
			return m, m.doAction(func(ctx context.Context) error {
				return m.backend.ClearFlow(ctx, e.ID)
			})
		}

	case "?":
		m.showHelp = !m.showHelp
	}

	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 {
		return "loading..."
	}

	header := titleStyle.Render("flowatch timeline") + " " + helpStyle.Render(m.filterLabel())

	left := m.renderList()
	right := panelStyle.Render(m.detail.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	footer := helpStyle.Render("j/k move · tab filter · c close · x clear flow · r refresh · q quit")
	if m.message != "" {
		footer = helpStyle.Render(m.message)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m *Model) renderList() string {
	if m.loading {
		return itemStyle.Render("loading history...")
	}
	if len(m.filtered) == 0 {
		return itemStyle.Render("no tasks")
	}

	var b strings.Builder
	maxRows := m.height - 6
	if maxRows < 1 {
		maxRows = len(m.filtered)
	}
	for i, e := range m.filtered {
		if i >= maxRows {
			break
		}
		line := fmt.Sprintf("%-10s %s", e.Status, truncate(e.Name, m.width/2-16))
		switch {
		case i == m.selectedIdx:
			line = selectedStyle.Render(line)
		case e.Status == history.StatusWorking:
			line = itemStyle.Render(workingStyle.Render(line))
		case e.Status == history.StatusReady:
			line = itemStyle.Render(readyStyle.Render(line))
		case e.Status == history.StatusMerged:
			line = itemStyle.Render(mergedStyle.Render(line))
		default:
			line = itemStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderFlow(res flow.Resolution) string {
	var b strings.Builder

	if res.DismissedTaskID != "" {
		fmt.Fprintf(&b, "task %s dismissed\n", res.DismissedTaskID)
		return b.String()
	}

	fmt.Fprintf(&b, "task:  %s\n", res.TaskID)
	if res.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", res.Title)
	}
	fmt.Fprintf(&b, "flow:  %s\n\n", res.Flow)

	for _, step := range flow.Steps() {
		mark := "○"
		if res.Steps[step] {
			mark = "●"
		}
		fmt.Fprintf(&b, " %s %s\n", mark, step)
	}

	if e, ok := m.selected(); ok {
		fmt.Fprintf(&b, "\nstarted:  %s\n", e.StartedAt.Format(time.RFC3339))
		if e.CompletedAt != nil {
			fmt.Fprintf(&b, "finished: %s\n", e.CompletedAt.Format(time.RFC3339))
		}
		if e.URL != "" {
			fmt.Fprintf(&b, "url: %s\n", e.URL)
		}
	}

	return b.String()
}

func (m *Model) filterLabel() string {
	if statusFilters[m.filterIdx] == "" {
		return "[all]"
	}
	return "[" + statusFilters[m.filterIdx] + "]"
}

func (m *Model) applyFilter() {
	status := statusFilters[m.filterIdx]
	m.filtered = m.filtered[:0]
	for _, e := range m.entries {
		if status == "" || e.Status == status {
			m.filtered = append(m.filtered, e)
		}
	}
	sort.SliceStable(m.filtered, func(i, j int) bool {
		return m.filtered[i].LastTS.After(m.filtered[j].LastTS)
	})
	if m.selectedIdx >= len(m.filtered) {
		m.selectedIdx = max(0, len(m.filtered)-1)
	}
}

func (m *Model) selected() (history.Entry, bool) {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.filtered) {
		return history.Entry{}, false
	}
	return m.filtered[m.selectedIdx], true
}

func (m *Model) fetchEntries() tea.Cmd {
	return func() tea.Msg {
		entries, err := m.backend.History(context.Background())
		return entriesMsg{entries: entries, err: err}
	}
}

func (m *Model) fetchSelectedFlow() tea.Cmd {
	e, ok := m.selected()
	if !ok {
		return nil
	}
	return func() tea.Msg {
		res, err := m.backend.Flow(context.Background(), e.ID)
		return flowMsg{res: res, err: err}
	}
}

func (m *Model) doAction(fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{err: fn(context.Background())}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
