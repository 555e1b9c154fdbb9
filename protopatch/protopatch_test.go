package protopatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokinpui/protopatch/cli"
	"github.com/sokinpui/protopatch/internal/parser"
	"github.com/sokinpui/protopatch/internal/patcher"
	"github.com/sokinpui/protopatch/internal/state"
	"github.com/sokinpui/protopatch/internal/workspace"
	"github.com/sokinpui/protopatch/model"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func protocol(lines ...string) string { return strings.Join(lines, "\n") }

func fileNew(target string, subject ...string) string {
	return protocol(append(append([]string{
		"#Action: FileNew",
		"#Target: " + target,
		"#BeginBeforeLines", "#EndBeforeLines",
		"#BeginAfterLines", "#EndAfterLines",
		"#BeginSubject"}, subject...),
		"#EndSubject",
		"#ActionEnded")...)
}

func textEdit(kind, target string, before, after, subject []string) string {
	out := []string{"#Action: " + kind, "#Target: " + target, "#BeginBeforeLines"}
	out = append(out, before...)
	out = append(out, "#EndBeforeLines", "#BeginAfterLines")
	out = append(out, after...)
	out = append(out, "#EndAfterLines", "#BeginSubject")
	out = append(out, subject...)
	out = append(out, "#EndSubject", "#ActionEnded")
	return protocol(out...)
}

func newEngine(t *testing.T, mutate func(*cli.Config)) *Engine {
	t.Helper()
	cfg := cli.Defaults()
	cfg.Journal = false
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, WithClock(fixedClock{time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)}))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApplyFileNew(t *testing.T) {
	root := t.TempDir()
	report, err := newEngine(t, nil).Apply(context.Background(), root, fileNew("a.txt", "hello"))
	require.NoError(t, err)

	assert.Equal(t, "\nhello\n", readFile(t, filepath.Join(root, "a.txt")))
	assert.Equal(t, "=> FileNew a.txt\nFileNew OK: a.txt\n", report.Output())
	assert.NotEmpty(t, report.RunID)
	assert.Zero(t, report.Failed())
}

func TestApplyScenarios(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("X\nMID\nY\n"), 0o644))

	text := protocol(
		textEdit("TextDelete", "f.txt", []string{"X"}, []string{"Y"}, nil),
		textEdit("TextInsert", "f.txt", []string{"X"}, []string{"Y"}, []string{"one"}),
		textEdit("TextInsert", "f.txt", []string{"one"}, []string{"Y"}, []string{"two"}),
	)
	report, err := newEngine(t, nil).Apply(context.Background(), root, text)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	assert.Equal(t, "X\none\ntwo\nY\n", readFile(t, target))
	// All three backups fall in the same second and share one path, so the
	// file holds the content seen by the last action.
	require.Len(t, report.Backups(), 3)
	assert.Equal(t, "X\none\nY\n", readFile(t, report.Backups()[2].Path))
}

func TestApplyPathEscapeContinues(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "ws")
	require.NoError(t, os.Mkdir(root, 0o755))

	elsewhere := t.TempDir()
	linked := true
	if err := os.Symlink(elsewhere, filepath.Join(root, "link")); err != nil {
		linked = false
	}

	text := protocol(
		fileNew("../outside.txt", "evil"),
		fileNew("ok.txt", "fine"),
		fileNew("link/pwned.txt", "evil"),
	)
	report, err := newEngine(t, nil).Apply(context.Background(), root, text)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	escaped := report.Results[0]
	assert.Equal(t, model.StatusFailed, escaped.Status)
	assert.True(t, errors.Is(escaped.Err, workspace.ErrPathEscape))
	assert.Contains(t, escaped.Lines[0], "[ERROR]")
	assert.NoFileExists(t, filepath.Join(base, "outside.txt"))

	assert.Equal(t, model.StatusOK, report.Results[1].Status)
	assert.Equal(t, "\nfine\n", readFile(t, filepath.Join(root, "ok.txt")))

	if linked {
		viaLink := report.Results[2]
		assert.Equal(t, model.StatusFailed, viaLink.Status)
		assert.True(t, errors.Is(viaLink.Err, workspace.ErrPathEscape))
		assert.NoFileExists(t, filepath.Join(elsewhere, "pwned.txt"))
	}
}

func TestApplyParseErrorAbortsRun(t *testing.T) {
	root := t.TempDir()
	text := protocol(
		fileNew("a.txt", "hello"),
		"#Action: TextInsert",
		"#Target: a.txt",
		"#BeginBeforeLines",
		"never closed",
	)
	report, err := newEngine(t, nil).Apply(context.Background(), root, text)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, parser.ErrMissingEndMarker))
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
}

func TestApplyRecoversPanics(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, nil)
	calls := 0
	e.apply = func(a *patcher.Applier, action model.Action, path string) model.Result {
		calls++
		if calls == 1 {
			panic("kaboom")
		}
		return a.Apply(action, path)
	}

	report, err := e.Apply(context.Background(), root, protocol(fileNew("a.txt", "1"), fileNew("b.txt", "2")))
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	var detailed *DetailedError
	require.True(t, errors.As(report.Results[0].Err, &detailed))
	assert.NotEmpty(t, detailed.Stack)
	assert.Equal(t, "[ERROR] internal panic: kaboom", report.Results[0].Lines[0])
	assert.Equal(t, model.StatusOK, report.Results[1].Status)
	assert.FileExists(t, filepath.Join(root, "b.txt"))
}

func TestApplyCancelledContext(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newEngine(t, nil).Apply(ctx, root, protocol(fileNew("a.txt", "1"), fileNew("b.txt", "2")))
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.Equal(t, model.StatusFailed, res.Status)
		assert.True(t, errors.Is(res.Err, context.Canceled))
	}
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
}

func TestApplyMarkdownWrapped(t *testing.T) {
	root := t.TempDir()
	md := "Here you go:\n\n```\n" + fileNew("a.txt", "hello") + "\n```\n"
	report, err := newEngine(t, nil).Apply(context.Background(), root, md)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "\nhello\n", readFile(t, filepath.Join(root, "a.txt")))
}

func TestApplyEmptyDocument(t *testing.T) {
	report, err := newEngine(t, func(c *cli.Config) { c.Journal = true }).Apply(context.Background(), t.TempDir(), "just prose\n")
	require.NoError(t, err)
	assert.Equal(t, "Nothing applied.", report.Output())
}

func TestPreviewWritesNothing(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("X\nMID\nY\n"), 0o644))

	e := newEngine(t, func(c *cli.Config) { c.Journal = true })
	report, err := e.Preview(context.Background(), root,
		textEdit("TextModify", "f.txt", []string{"X"}, []string{"Y"}, []string{"NEW"}))
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, "-MID\n+NEW\n", report.Results[0].Preview)
	assert.Equal(t, "X\nMID\nY\n", readFile(t, target))
	assert.NoDirExists(t, filepath.Join(root, ".backup"))
}

func TestApplyJournalsRun(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, func(c *cli.Config) { c.Journal = true })
	report, err := e.Apply(context.Background(), root, fileNew("a.txt", "hello"))
	require.NoError(t, err)

	journal, err := state.New(filepath.Join(root, ".backup"), nil)
	require.NoError(t, err)
	defer journal.Close()
	runs, err := journal.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, report.Output(), runs[0].Output)
}

func TestApplyProgress(t *testing.T) {
	e := newEngine(t, nil)
	var seen [][2]int
	e.SetProgressCallback(func(current, total int) {
		seen = append(seen, [2]int{current, total})
	})
	_, err := e.Apply(context.Background(), t.TempDir(), protocol(fileNew("a.txt", "1"), fileNew("b.txt", "2")))
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 2}, {1, 2}, {2, 2}}, seen)
}
