package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sokinpui/protopatch/model"
)

const (
	// DefaultDir is the hidden directory, relative to the workspace root,
	// that receives backups.
	DefaultDir = ".backup"

	// TimestampLayout is the second-precision suffix layout.
	TimestampLayout = "20060102-150405"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Manager copies pre-mutation file content into a path-mirroring backup tree.
//
// Two backups of the same file taken within the same second share a
// destination; the later one overwrites the earlier.
type Manager struct {
	root  string
	dir   string
	clock Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithDir overrides the backup directory name.
func WithDir(name string) Option {
	return func(m *Manager) {
		if strings.TrimSpace(name) != "" {
			m.dir = name
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// New creates a Manager for the workspace root. An empty root places backups
// beside each source file.
func New(root string, opts ...Option) *Manager {
	m := &Manager{root: root, dir: DefaultDir, clock: systemClock{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the absolute backup directory, or "" when no root is known.
func (m *Manager) Dir() string {
	if m.root == "" {
		return ""
	}
	return filepath.Join(m.root, m.dir)
}

// Timestamp formats t with the backup suffix layout.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Destination computes the backup path for src at timestamp ts, without
// touching the filesystem.
func (m *Manager) Destination(src, ts string) string {
	var base string
	if m.root != "" {
		rel, err := filepath.Rel(m.root, src)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			rel = filepath.Base(src)
		}
		base = filepath.Join(m.root, m.dir, rel)
	} else {
		base = filepath.Join(filepath.Dir(src), m.dir, filepath.Base(src))
	}
	return base + ".bak-" + ts
}

func (m *Manager) prepare(src string) (model.BackupRecord, error) {
	ts := Timestamp(m.clock.Now())
	dest := m.Destination(src, ts)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return model.BackupRecord{}, fmt.Errorf("backup: create %s: %w", filepath.Dir(dest), err)
	}
	return model.BackupRecord{Source: src, Path: dest, Timestamp: ts}, nil
}

// Move relocates src into the backup tree. It is used before a file is
// replaced or removed.
func (m *Manager) Move(src string) (model.BackupRecord, error) {
	rec, err := m.prepare(src)
	if err != nil {
		return rec, err
	}
	if err := os.Rename(src, rec.Path); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return rec, fmt.Errorf("backup: move %s: %w", src, err)
		}
		// Rename across devices; copy then remove.
		if err := copyFile(src, rec.Path); err != nil {
			return rec, err
		}
		if err := os.Remove(src); err != nil {
			return rec, fmt.Errorf("backup: remove %s after copy: %w", src, err)
		}
	}
	return rec, nil
}

// Save writes original, the pre-mutation bytes of src, into the backup tree.
func (m *Manager) Save(src string, original []byte) (model.BackupRecord, error) {
	rec, err := m.prepare(src)
	if err != nil {
		return rec, err
	}
	if err := os.WriteFile(rec.Path, original, 0o644); err != nil {
		return rec, fmt.Errorf("backup: write %s: %w", rec.Path, err)
	}
	return rec, nil
}

// Restore copies a backup file back over its source.
func Restore(rec model.BackupRecord) error {
	if err := os.MkdirAll(filepath.Dir(rec.Source), 0o755); err != nil {
		return fmt.Errorf("backup: restore %s: %w", rec.Source, err)
	}
	return copyFile(rec.Path, rec.Source)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("backup: stat %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("backup: copy %s: %w", src, err)
	}
	return out.Close()
}
