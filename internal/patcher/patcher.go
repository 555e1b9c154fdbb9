package patcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sokinpui/protopatch/internal/anchor"
	"github.com/sokinpui/protopatch/internal/backup"
	"github.com/sokinpui/protopatch/model"
)

// ErrFileNotFound is returned for text edits whose target does not exist.
var ErrFileNotFound = errors.New("file not found")

const summaryLen = 80

// Applier executes single protocol actions against the filesystem.
type Applier struct {
	backups *backup.Manager
	dryRun  bool
}

// Option configures an Applier.
type Option func(*Applier)

// WithDryRun computes changes without writing files or backups.
func WithDryRun(dryRun bool) Option {
	return func(a *Applier) { a.dryRun = dryRun }
}

// New creates an Applier that backs files up through backups.
func New(backups *backup.Manager, opts ...Option) *Applier {
	a := &Applier{backups: backups}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WrapSubject makes s begin and end with exactly one added newline; a newline
// already present is never doubled.
func WrapSubject(s string) string {
	if !strings.HasPrefix(s, "\n") {
		s = "\n" + s
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

// Apply executes action against the already-guarded absolute path.
func (a *Applier) Apply(action model.Action, path string) model.Result {
	res := model.Result{Action: action, Status: model.StatusOK}
	switch {
	case action.Kind == model.FileNew:
		a.fileNew(&res, path)
	case action.Kind == model.FileDelete:
		a.fileDelete(&res, path)
	case action.Kind.EditsText():
		a.editText(&res, path)
	default:
		res.Fail(fmt.Errorf("unsupported action: %s", action.Kind))
	}
	return res
}

func (a *Applier) fileNew(res *model.Result, path string) {
	target := res.Action.Target
	subject := ""
	if len(res.Action.Blocks) > 0 {
		subject = strings.Join(res.Action.Blocks[0].Subject, "\n")
	}
	content := WrapSubject(subject)

	old, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		res.Fail(fmt.Errorf("read %s: %w", target, err))
		return
	}

	if a.dryRun {
		res.Preview = Preview(string(old), content)
		res.Logf("FileNew OK (dry run): %s", target)
		return
	}

	if exists {
		rec, err := a.backups.Move(path)
		if err != nil {
			res.Fail(err)
			return
		}
		res.Backups = append(res.Backups, rec)
		res.Logf("Backed up existing file: %s", rec.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		res.Fail(fmt.Errorf("create parent of %s: %w", target, err))
		return
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		res.Fail(fmt.Errorf("write %s: %w", target, err))
		return
	}
	res.Changed = append(res.Changed, path)
	res.Logf("FileNew OK: %s", target)
}

func (a *Applier) fileDelete(res *model.Result, path string) {
	target := res.Action.Target
	old, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		res.Status = model.StatusNoChange
		res.Logf("FileDelete: file does not exist (%s)", target)
		return
	}
	if err != nil {
		res.Fail(fmt.Errorf("read %s: %w", target, err))
		return
	}

	if a.dryRun {
		res.Preview = Preview(string(old), "")
		res.Logf("FileDelete OK (dry run): %s", target)
		return
	}

	rec, err := a.backups.Move(path)
	if err != nil {
		res.Fail(err)
		return
	}
	res.Backups = append(res.Backups, rec)
	res.Changed = append(res.Changed, path)
	res.Logf("Backup: %s", rec.Path)
	res.Logf("FileDelete OK (moved to backup)")
}

func (a *Applier) editText(res *model.Result, path string) {
	kind := res.Action.Kind
	target := res.Action.Target

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		res.Fail(fmt.Errorf("%w for %s: %s", ErrFileNotFound, kind, target))
		return
	}
	if err != nil {
		res.Fail(fmt.Errorf("stat %s: %w", target, err))
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Fail(fmt.Errorf("read %s: %w", target, err))
		return
	}

	original := string(data)
	text := original
	for i, blk := range res.Action.Blocks {
		pattern, err := anchor.Compile(blk.Before, blk.After)
		if err != nil {
			res.Fail(err)
			return
		}
		subject := WrapSubject(strings.Join(blk.Subject, "\n"))
		label := blockLabel(kind, blk, subject)

		m, ok := pattern.Find(text)
		if !ok {
			res.Logf("[NOT FOUND] Block %d: %s", i+1, label)
			continue
		}
		text = m.Splice(text, replacement(kind, m, subject))
		res.Logf("[OK] Block %d: %s", i+1, label)
	}

	if text == original {
		res.Status = model.StatusNoChange
		res.Logf("No changes applied (anchors not found).")
		return
	}

	if a.dryRun {
		res.Preview = Preview(original, text)
		res.Logf("(dry run) %s not written", target)
		return
	}

	rec, err := a.backups.Save(path, data)
	if err != nil {
		res.Fail(err)
		return
	}
	res.Backups = append(res.Backups, rec)
	if err := os.WriteFile(path, []byte(text), info.Mode().Perm()); err != nil {
		res.Fail(fmt.Errorf("write %s: %w", target, err))
		return
	}
	res.Changed = append(res.Changed, path)
	res.Logf("Backup of original: %s", rec.Path)
}

// replacement builds the text that takes the place of a matched span.
// Insert and Modify share the same splice; Delete keeps a single line break
// between the anchors when the removed span contained one.
func replacement(kind model.Kind, m anchor.Match, subject string) string {
	switch kind {
	case model.TextDelete:
		sep := ""
		if strings.Contains(m.Interior, "\r\n") {
			sep = "\r\n"
		} else if strings.Contains(m.Interior, "\n") {
			sep = "\n"
		}
		return m.Before + sep + m.After
	default:
		return m.Before + subject + m.After
	}
}

func blockLabel(kind model.Kind, blk model.EditBlock, subject string) string {
	s := strings.TrimSpace(subject)
	if kind == model.TextDelete || s == "" {
		if ctx := anchor.ContextLines(blk.Before); len(ctx) > 0 {
			s = strings.TrimSpace(ctx[0])
		}
	}
	return truncate(s, summaryLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
