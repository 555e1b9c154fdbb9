package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the type of a protocol action.
type Kind int

const (
	FileNew Kind = iota + 1
	FileDelete
	TextInsert
	TextDelete
	TextModify
)

var kindNames = map[Kind]string{
	FileNew:    "FileNew",
	FileDelete: "FileDelete",
	TextInsert: "TextInsert",
	TextDelete: "TextDelete",
	TextModify: "TextModify",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// EditsText reports whether the action rewrites spans inside an existing file.
func (k Kind) EditsText() bool {
	return k == TextInsert || k == TextDelete || k == TextModify
}

// ParseKind maps a keyword to its Kind, ignoring case.
func ParseKind(keyword string) (Kind, bool) {
	for k, name := range kindNames {
		if strings.EqualFold(name, keyword) {
			return k, true
		}
	}
	return 0, false
}

// EditBlock is one before/after/subject triple within an action.
type EditBlock struct {
	Before  []string
	After   []string
	Subject []string
}

// Action is one top-level instruction of a protocol document.
type Action struct {
	Kind   Kind
	Target string
	Blocks []EditBlock
}

// Document is the ordered list of actions parsed from one protocol text.
type Document []Action

// BackupRecord describes a copy of a file's pre-mutation content.
type BackupRecord struct {
	Source    string
	Path      string
	Timestamp string
}

// Status is the outcome of a single action.
type Status int

const (
	StatusOK Status = iota
	StatusNoChange
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoChange:
		return "no-change"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result holds the outcome and log lines of one action.
type Result struct {
	Action  Action
	Status  Status
	Lines   []string
	Backups []BackupRecord
	// Changed lists absolute paths written or removed by the action.
	Changed []string
	// Preview is a line diff of the would-be change, set in dry-run mode.
	Preview string
	Err     error
}

// Logf appends a formatted line to the result log.
func (r *Result) Logf(format string, a ...any) {
	r.Lines = append(r.Lines, fmt.Sprintf(format, a...))
}

// Fail marks the result failed and logs the error with an error marker.
func (r *Result) Fail(err error) {
	r.Status = StatusFailed
	r.Err = err
	r.Logf("[ERROR] %v", err)
}

// Report aggregates the results of one apply run, in action order.
type Report struct {
	RunID     string
	Root      string
	StartedAt time.Time
	DryRun    bool
	Results   []Result
}

// Output renders the aggregated, human-readable log.
func (r *Report) Output() string {
	if len(r.Results) == 0 {
		return "Nothing applied."
	}
	var lines []string
	for _, res := range r.Results {
		lines = append(lines, fmt.Sprintf("=> %s %s", res.Action.Kind, res.Action.Target))
		lines = append(lines, res.Lines...)
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// Failed counts the actions that failed.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			n++
		}
	}
	return n
}

// ChangedFiles lists every path written or removed during the run.
func (r *Report) ChangedFiles() []string {
	var out []string
	for _, res := range r.Results {
		out = append(out, res.Changed...)
	}
	return out
}

// Backups lists every backup made during the run.
func (r *Report) Backups() []BackupRecord {
	var out []BackupRecord
	for _, res := range r.Results {
		out = append(out, res.Backups...)
	}
	return out
}
