package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is matched by every PathEscapeError.
var ErrPathEscape = errors.New("target escapes workspace")

// PathEscapeError reports a target that resolves outside the workspace root.
type PathEscapeError struct {
	Root     string
	Target   string
	Resolved string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("%s: %s resolves to %s (root %s)", ErrPathEscape, e.Target, e.Resolved, e.Root)
}

func (e *PathEscapeError) Unwrap() error { return ErrPathEscape }

// Guard confines target paths to a workspace root.
type Guard struct {
	root string
}

// NewGuard creates a Guard for root. The root is made absolute and, when it
// exists, symlink-resolved.
func NewGuard(root string) (*Guard, error) {
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root %q: %w", root, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace: resolve root %q: %w", root, err)
	}
	return &Guard{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute workspace root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve returns the absolute path of target, which may be relative to the
// root or absolute. The lexical check runs first and never touches the disk;
// only a target that passes it has symlinks in its existing prefix resolved,
// and the real location must still lie beneath the root.
func (g *Guard) Resolve(target string) (string, error) {
	p := target
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	p = filepath.Clean(p)
	if !g.Contains(p) {
		return "", &PathEscapeError{Root: g.root, Target: target, Resolved: p}
	}
	real, err := evalExisting(p, maxLinks)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve %q: %w", target, err)
	}
	if !g.Contains(real) {
		return "", &PathEscapeError{Root: g.root, Target: target, Resolved: real}
	}
	return p, nil
}

const maxLinks = 255

var errTooManyLinks = errors.New("too many levels of symbolic links")

// evalExisting resolves symlinks in the longest existing prefix of p and joins
// the missing components back on. A dangling link is followed to where a
// write through it would land.
func evalExisting(p string, budget int) (string, error) {
	var rest []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			if budget <= 0 {
				return "", errTooManyLinks
			}
			dest, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(cur), dest)
			}
			return evalExisting(filepath.Join(append([]string{dest}, rest...)...), budget-1)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// Contains reports whether the cleaned absolute path p is the root or lies
// beneath it.
func (g *Guard) Contains(p string) bool {
	if p == g.root {
		return true
	}
	rel, err := filepath.Rel(g.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Rel renders p relative to the root, falling back to p itself.
func (g *Guard) Rel(p string) string {
	rel, err := filepath.Rel(g.root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}
