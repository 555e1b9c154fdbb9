package ui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/sokinpui/protopatch/internal/state"
	"github.com/sokinpui/protopatch/model"
)

var (
	HeaderColor  = color.New(color.FgBlue, color.Bold)
	InfoColor    = color.New(color.FgCyan)
	SuccessColor = color.New(color.FgGreen)
	WarningColor = color.New(color.FgYellow)
	ErrorColor   = color.New(color.FgRed)
	PathColor    = color.New(color.FgYellow)
)

func Header(format string, a ...interface{}) {
	HeaderColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Info(format string, a ...interface{}) {
	InfoColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Success(format string, a ...interface{}) {
	SuccessColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Warning(format string, a ...interface{}) {
	WarningColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Error(format string, a ...interface{}) {
	ErrorColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Path(format string, a ...interface{}) {
	PathColor.Fprintf(os.Stderr, "  "+format+"\n", a...)
}

// --- Summaries ---

// PrintReport prints a per-action summary of an apply run.
func PrintReport(r *model.Report) {
	Header("\n--- Apply Summary ---")
	if len(r.Results) == 0 {
		Info("Nothing applied.")
		return
	}

	for _, res := range r.Results {
		line := fmt.Sprintf("%-10s %s", res.Action.Kind, res.Action.Target)
		switch res.Status {
		case model.StatusOK:
			Success("  ok        %s", line)
		case model.StatusNoChange:
			Info("  unchanged %s", line)
		default:
			Error("  failed    %s", line)
			if res.Err != nil {
				Path("  %v", res.Err)
			}
		}
	}

	if backups := r.Backups(); len(backups) > 0 {
		Info("Backups:")
		for _, b := range backups {
			Path("%s", relTo(r.Root, b.Path))
		}
	}

	if r.DryRun {
		Warning("Dry run: no files were written.")
		for _, res := range r.Results {
			PrintPreview(res.Action.Target, res.Preview)
		}
	}

	if failed := r.Failed(); failed > 0 {
		Error("%d of %d action(s) failed.", failed, len(r.Results))
	}
}

// PrintPreview prints a dry-run line diff with added and removed lines colored.
func PrintPreview(target, preview string) {
	if preview == "" {
		return
	}
	HeaderColor.Fprintf(os.Stdout, "--- %s\n", target)
	for _, ln := range strings.Split(strings.TrimSuffix(preview, "\n"), "\n") {
		switch {
		case strings.HasPrefix(ln, "+"):
			SuccessColor.Fprintln(os.Stdout, ln)
		case strings.HasPrefix(ln, "-"):
			ErrorColor.Fprintln(os.Stdout, ln)
		default:
			fmt.Fprintln(os.Stdout, ln)
		}
	}
}

// PrintHistory lists journaled runs, newest first.
func PrintHistory(runs []state.Run) {
	if len(runs) == 0 {
		Info("No runs recorded.")
		return
	}
	for _, run := range runs {
		status := SuccessColor.Sprint("ok")
		if run.Failed > 0 {
			status = ErrorColor.Sprintf("%d failed", run.Failed)
		}
		HeaderColor.Fprintf(os.Stdout, "%s  %s", run.StartedAt.Format("2006-01-02 15:04:05"), run.ID)
		fmt.Fprintf(os.Stdout, "  %d action(s), %s\n", run.Actions, status)
		for _, b := range run.Backups {
			fmt.Fprintf(os.Stdout, "  %s <- %s\n", PathColor.Sprint(relTo(run.Root, b.Path)), relTo(run.Root, b.Source))
		}
	}
}

func relTo(root, p string) string {
	if root == "" {
		return p
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return filepath.ToSlash(rel)
}

// --- Progress Bar ---

type ProgressBar struct {
	total   int
	prefix  string
	current int
}

func NewProgressBar(total int, prefix string) *ProgressBar {
	return &ProgressBar{total: total, prefix: prefix}
}

func (p *ProgressBar) Start() {
	p.draw()
}

// Set moves the bar to current.
func (p *ProgressBar) Set(current int) {
	p.current = current
	p.draw()
}

func (p *ProgressBar) Finish() {
	fmt.Fprintln(os.Stderr)
}

func (p *ProgressBar) draw() {
	if p.total == 0 {
		return
	}
	const barLength = 40
	percent := float64(p.current) / float64(p.total)
	filledLength := int(percent * barLength)
	bar := strings.Repeat("█", filledLength) + strings.Repeat("-", barLength-filledLength)

	percentStr := fmt.Sprintf("%.1f%%", percent*100)
	countStr := fmt.Sprintf("[%d/%d]", p.current, p.total)

	fmt.Fprintf(os.Stderr, "\r%s |%s| %s %s", p.prefix, bar, countStr, percentStr)
}
