package tui

import (
	"errors"
	"strings"
	"testing"

	"github.com/sokinpui/protopatch/model"
)

func TestUpdateReport(t *testing.T) {
	report := &model.Report{
		Root: "/work",
		Results: []model.Result{
			{Action: model.Action{Kind: model.FileNew, Target: "a.txt"}, Status: model.StatusOK,
				Backups: []model.BackupRecord{{Path: "/work/.backup/a.txt.bak-20240102-030405"}}},
			{Action: model.Action{Kind: model.TextInsert, Target: "b.txt"}, Status: model.StatusNoChange},
			{Action: model.Action{Kind: model.TextDelete, Target: "c.txt"}, Status: model.StatusFailed, Err: errors.New("file not found")},
		},
	}
	m := New(func() (*model.Report, error) { return report, nil })

	msg := m.runApp()
	next, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatal("expected quit command after the report")
	}
	got := next.(Model)
	if got.Report() != report {
		t.Fatal("report not stored")
	}

	view := got.View()
	for _, want := range []string{"Changed:", "FileNew a.txt", "Unchanged:", "Failed:", "c.txt: file not found", "1 backup(s) in .backup"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestUpdateError(t *testing.T) {
	m := New(func() (*model.Report, error) { return nil, errors.New("protocol syntax error") })
	next, _ := m.Update(m.runApp())
	got := next.(Model)
	if got.Err() == nil || !strings.Contains(got.View(), "protocol syntax error") {
		t.Errorf("unexpected view: %q", got.View())
	}
}

func TestProgressView(t *testing.T) {
	m := New(nil)
	next, _ := m.Update(ProgressMsg{Current: 1, Total: 3})
	if view := next.(Model).View(); !strings.Contains(view, "[1/3]") {
		t.Errorf("unexpected view: %q", view)
	}
}
