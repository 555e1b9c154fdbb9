package tui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sokinpui/protopatch/model"
	"github.com/sokinpui/protopatch/protopatch"
)

// --- Styles ---
var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")) // Mauve
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))            // Green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("197"))           // Red
	pathStyle    = lipgloss.NewStyle()
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// RunFunc performs the apply run the TUI waits on.
type RunFunc func() (*model.Report, error)

// --- Messages ---
type reportMsg struct {
	report *model.Report
}

type errorMsg struct{ err error }

func (e errorMsg) Error() string { return e.err.Error() }

// ProgressMsg reports how many actions have been applied.
type ProgressMsg struct {
	Current, Total int
}

// --- Model ---
type Model struct {
	run      RunFunc
	spinner  spinner.Model
	state    state
	progress ProgressMsg
	report   *model.Report
	err      error
}

type state int

const (
	stateProcessing state = iota
	stateSummary
	stateError
)

func New(run RunFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return Model{
		run:     run,
		spinner: s,
		state:   stateProcessing,
	}
}

// Report returns the finished report, if any.
func (m Model) Report() *model.Report { return m.report }

// Err returns the run error, if any.
func (m Model) Err() error { return m.err }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runApp)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case ProgressMsg:
		m.progress = msg
		return m, nil

	case reportMsg:
		m.state = stateSummary
		m.report = msg.report
		return m, tea.Quit

	case errorMsg:
		m.state = stateError
		m.err = msg.err
		return m, tea.Quit

	default:
		var cmd tea.Cmd
		if m.state == stateProcessing {
			m.spinner, cmd = m.spinner.Update(msg)
		}
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	switch m.state {
	case stateProcessing:
		if m.progress.Total > 0 {
			return fmt.Sprintf("%s Applying... [%d/%d]", m.spinner.View(), m.progress.Current, m.progress.Total)
		}
		return fmt.Sprintf("%s Applying...", m.spinner.View())
	case stateError:
		return errorStyle.Render("Error: ", m.err.Error()) + "\n"
	case stateSummary:
		return m.renderSummary()
	default:
		return ""
	}
}

func (m *Model) renderSummary() string {
	var b strings.Builder
	r := m.report

	if len(r.Results) == 0 {
		b.WriteString(faintStyle.Render("Nothing applied."))
		b.WriteString("\n")
		return b.String()
	}

	title := "Applied"
	if r.DryRun {
		title = "Dry run"
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s: %d action(s)", title, len(r.Results))))
	b.WriteString("\n\n")

	var changed, unchanged, failed []string
	for _, res := range r.Results {
		entry := fmt.Sprintf("%s %s", res.Action.Kind, res.Action.Target)
		switch res.Status {
		case model.StatusOK:
			changed = append(changed, entry)
		case model.StatusNoChange:
			unchanged = append(unchanged, entry)
		default:
			failed = append(failed, fmt.Sprintf("%s: %v", entry, res.Err))
		}
	}

	section := func(style lipgloss.Style, label string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(style.Render(label))
		b.WriteString("\n")
		for _, it := range items {
			b.WriteString(fmt.Sprintf("  %s\n", pathStyle.Render(it)))
		}
	}
	section(successStyle, "Changed:", changed)
	section(faintStyle, "Unchanged:", unchanged)
	section(errorStyle, "Failed:", failed)

	if backups := r.Backups(); len(backups) > 0 {
		b.WriteString(faintStyle.Render(fmt.Sprintf("%d backup(s) in %s", len(backups), backupDir(r.Root, backups[0].Path))))
		b.WriteString("\n")
	}
	return b.String()
}

func backupDir(root, path string) string {
	dir := filepath.Dir(path)
	if rel, err := filepath.Rel(root, dir); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return dir
}

func (m *Model) runApp() tea.Msg {
	report, err := m.run()
	if err != nil {
		// Check for detailed error to print stack
		var de *protopatch.DetailedError
		if errors.As(err, &de) {
			// The TUI will exit, so we can print to stderr here for the stack trace.
			fmt.Fprintf(os.Stderr, "\n--- Stack Trace ---\n%s\n", de.Stack)
		}
		return errorMsg{err}
	}
	return reportMsg{report: report}
}
