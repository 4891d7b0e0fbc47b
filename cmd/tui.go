package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/progress"
)

const maxTUIMessages = 10

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	errorTextStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F")).
			Bold(true)
)

type jobStateMsg jobs.Job

type jobProgressMsg struct {
	job   jobs.Job
	stats progress.Stats
}

type logLineMsg string

type importDoneMsg struct {
	err error
}

// importModel renders a single import: recent log lines, the current stage
// and a progress bar with throughput and ETA
type importModel struct {
	job        jobs.Job
	stats      progress.Stats
	bar        bprogress.Model
	spinner    spinner.Model
	messages   []string
	width      int
	cancel     context.CancelFunc
	cancelling bool
	done       bool
	err        error
}

func newImportModel(job jobs.Job, cancel context.CancelFunc) importModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return importModel{
		job:     job,
		bar:     bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(60)),
		spinner: s,
		cancel:  cancel,
	}
}

func (m importModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m importModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-10, 10)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case jobStateMsg:
		m.job = jobs.Job(msg)
		return m, nil
	case jobProgressMsg:
		m.job = msg.job
		m.stats = msg.stats
		return m, nil
	case logLineMsg:
		m.addMessage(string(msg))
		return m, nil
	case importDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

// handleKeyMsg cancels the import; the model keeps running until the
// runner has recorded the failure
func (m importModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "ctrl+c" && msg.String() != "q" {
		return m, nil
	}
	if !m.cancelling {
		m.cancelling = true
		m.addMessage("⚠️  Cancelling import...")
		m.cancel()
	}
	return m, nil
}

func (m *importModel) addMessage(line string) {
	m.messages = append(m.messages, line)
	if len(m.messages) > maxTUIMessages {
		m.messages = m.messages[len(m.messages)-maxTUIMessages:]
	}
}

func (m importModel) stage() string {
	switch m.job.State {
	case jobs.StateReceived:
		return "Preparing " + m.job.SourceName
	case jobs.StateExtracting:
		return "Extracting " + m.job.SourceName
	case jobs.StateLocating:
		return "Locating SQL dump"
	case jobs.StateExecuting:
		return fmt.Sprintf("Running SQL (%d statements)", m.job.Statements)
	case jobs.StateCompleted:
		return "Completed"
	case jobs.StateFailed:
		return "Failed"
	}
	return string(m.job.State)
}

func (m importModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, "", "   "+titleStyle.Render("MySQL Loader"), "")

	sections = append(sections, helpStyle.Render("   Log:"))
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	}
	for _, line := range m.messages {
		sections = append(sections, "     "+line)
	}

	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	sections = append(sections, "",
		lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render("   "+strings.Repeat("─", separatorWidth)),
		"")

	sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), m.stage())))
	if m.job.State == jobs.StateExecuting || m.stats.TotalBytes > 0 {
		sections = append(sections, "   "+m.bar.ViewAs(m.stats.Percent))
		sections = append(sections, progressInfoStyle.Render("   "+statsSummary(m.stats)))
	}

	sections = append(sections, "")
	if m.cancelling {
		sections = append(sections, errorTextStyle.Render("   Cancelling, waiting for the current statement..."))
	} else {
		sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// statsSummary is the numeric part of a progress line
func statsSummary(s progress.Stats) string {
	eta := "--"
	if s.Speed > 0 || s.Percent >= 1 {
		eta = progress.FormatDuration(s.ETA)
	}
	return fmt.Sprintf("%.1f%% | %s / %s | %s/s | ETA %s",
		s.Percent*100,
		progress.FormatBytes(s.BytesRead),
		progress.FormatBytes(s.TotalBytes),
		progress.FormatBytes(int64(s.Speed)),
		eta)
}

// messageSender is the part of *tea.Program the bridges need
type messageSender interface {
	Send(msg tea.Msg)
}

// tuiObserver forwards runner events into the program
type tuiObserver struct {
	program messageSender
}

func (o tuiObserver) JobUpdated(j jobs.Job) {
	o.program.Send(jobStateMsg(j))
}

func (o tuiObserver) JobProgress(j jobs.Job, s progress.Stats) {
	o.program.Send(jobProgressMsg{job: j, stats: s})
}

// tuiLogWriter turns written lines into log messages for the program
type tuiLogWriter struct {
	mu      sync.Mutex
	program messageSender
	partial string
}

func (w *tuiLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	text := w.partial + string(p)
	lines := strings.Split(text, "\n")
	w.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		w.program.Send(logLineMsg(line))
	}
	return len(p), nil
}
