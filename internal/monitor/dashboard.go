package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model is the BubbleTea model for the live session dashboard.
type Model struct {
	serverURL  string
	projectID  string
	interval   time.Duration
	lastUpdate time.Time
	snap       Snapshot
	err        error
	quitting   bool

	stabilityProgress progress.Model

	// Ring buffers for sparklines.
	runningHistory   []float64
	staleHistory     []float64
	stabilityHistory []float64
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard model watching one project.
func NewModel(serverURL, projectID string, interval time.Duration) Model {
	return Model{
		serverURL: serverURL,
		projectID: projectID,
		interval:  interval,
		stabilityProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
		runningHistory:   make([]float64, 0, historySize),
		staleHistory:     make([]float64, 0, historySize),
		stabilityHistory: make([]float64, 0, historySize),
	}
}

// statusBadge summarizes overall health: stale or blocked sessions are
// the conditions an operator has to act on.
func statusBadge(snap Snapshot) string {
	switch {
	case snap.Stale > 0:
		return errorStyle.Render("✗ STALE")
	case snap.Blocked > 0 || snap.Paused > 0:
		return warningStyle.Render("⚠ ATTN")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

// stabilityBadge grades the project's average stability score.
func stabilityBadge(score float64) string {
	switch {
	case score >= 0.9:
		return healthyStyle.Render("[✓]")
	case score >= 0.7:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.serverURL, m.projectID),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot polls the sessiond API
func fetchSnapshot(serverURL, projectID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		snap, err := NewAPIClient(serverURL).FetchSnapshot(ctx, projectID)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.serverURL, m.projectID)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.serverURL, m.projectID),
		)

	case snapshotMsg:
		m.snap = Snapshot(msg)
		m.runningHistory = appendToHistory(m.runningHistory, float64(m.snap.Running))
		m.staleHistory = appendToHistory(m.staleHistory, float64(m.snap.Stale))
		m.stabilityHistory = appendToHistory(m.stabilityHistory, m.snap.AvgStability*100)
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render(" sessiond Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach sessiond") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the main view with sparklines and progress bars
func (m Model) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	header := headerStyle.Render(" sessiond Monitor ")
	headerLine := fmt.Sprintf("%s   %s %s   %s",
		statusBadge(m.snap),
		dimStyle.Render("Project:"),
		valueStyle.Render(m.projectID),
		dimStyle.Render(lastUpdateStr))

	content += header + "\n"
	content += headerLine + "\n"

	// Sessions section
	content += "\n" + sectionStyle.Render("┃ Sessions") + "\n"

	runningSparkline := createSparkline(m.runningHistory)
	content += labelStyle.Render("  Running: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.snap.Running)) +
		dimStyle.Render(fmt.Sprintf(" of %d", m.snap.Total)) +
		"   " + runningSparkline + "\n"

	content += labelStyle.Render("  Paused: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.snap.Paused)) +
		"  " + labelStyle.Render("Blocked: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.snap.Blocked)) +
		"  " + labelStyle.Render("Completed: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.snap.Completed)) + "\n"

	if m.snap.Running > 0 {
		content += labelStyle.Render("  Oldest heartbeat: ") +
			valueStyle.Render(FormatAge(m.snap.OldestHeartbeat)) + "\n"
	}

	// Stale section (all projects)
	content += "\n" + sectionStyle.Render("┃ Stale (all projects)") + "\n"

	staleSparkline := createSparkline(m.staleHistory)
	staleValue := healthyStyle.Render(fmt.Sprintf("%d", m.snap.Stale))
	if m.snap.Stale > 0 {
		staleValue = errorStyle.Render(fmt.Sprintf("%d", m.snap.Stale))
	}
	content += labelStyle.Render("  Sessions: ") + staleValue +
		"        " + staleSparkline + "\n"

	// Epic stability section
	content += "\n" + sectionStyle.Render("┃ Epic Stability") + "\n"

	stabilitySparkline := createSparkline(m.stabilityHistory)
	content += labelStyle.Render("  Average: ") +
		valueStyle.Render(FormatScore(m.snap.AvgStability)) +
		" " + stabilityBadge(m.snap.AvgStability) +
		"   " + stabilitySparkline + "\n"

	content += labelStyle.Render("  Score: ") +
		m.stabilityProgress.ViewAs(m.snap.AvgStability) +
		" " + dimStyle.Render(FormatScore(m.snap.AvgStability)) + "\n"

	content += labelStyle.Render("  Retests: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.snap.TotalRetests)) +
		dimStyle.Render(fmt.Sprintf(" across %d epics", m.snap.TrackedEpics)) +
		"  " + labelStyle.Render("Regressions: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.snap.Regressions)) + "\n"

	if m.snap.WorstEpicID != "" {
		content += labelStyle.Render("  Least stable: ") +
			valueStyle.Render(m.snap.WorstEpicID) +
			dimStyle.Render(" at ") +
			valueStyle.Render(FormatScore(m.snap.WorstStability)) + "\n"
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))

	content += "\n" + footer

	return containerStyle.Render(content)
}
