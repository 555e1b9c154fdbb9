package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGuardResolve(t *testing.T) {
	root := t.TempDir()
	g, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	r := g.Root()

	inside := []struct {
		target string
		want   string
	}{
		{"a.txt", filepath.Join(r, "a.txt")},
		{"dir/sub/b.go", filepath.Join(r, "dir", "sub", "b.go")},
		{"./dir/../c.txt", filepath.Join(r, "c.txt")},
		{".", r},
		{filepath.Join(r, "abs.txt"), filepath.Join(r, "abs.txt")},
		{"..foo/x", filepath.Join(r, "..foo", "x")},
	}
	for _, tc := range inside {
		got, err := g.Resolve(tc.target)
		if err != nil {
			t.Errorf("Resolve(%q) returned error: %v", tc.target, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.target, got, tc.want)
		}
	}

	escaping := []string{
		"../outside.txt",
		"dir/../../outside.txt",
		"/etc/passwd",
		"..",
	}
	for _, target := range escaping {
		_, err := g.Resolve(target)
		if err == nil {
			t.Errorf("Resolve(%q) succeeded, want path escape", target)
			continue
		}
		if !errors.Is(err, ErrPathEscape) {
			t.Errorf("Resolve(%q) error = %v, want ErrPathEscape", target, err)
		}
		var pe *PathEscapeError
		if !errors.As(err, &pe) || pe.Target != target {
			t.Errorf("Resolve(%q) error does not carry the target: %v", target, err)
		}
	}
}

func TestGuardResolveDoesNotTouchFilesystem(t *testing.T) {
	root := t.TempDir()
	g, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	if _, err := g.Resolve("../nope/file.txt"); err == nil {
		t.Fatal("expected escape error")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(g.Root()), "nope")); !os.IsNotExist(err) {
		t.Errorf("resolve created something outside the root: %v", err)
	}
}

func TestGuardRel(t *testing.T) {
	root := t.TempDir()
	g, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	p := filepath.Join(g.Root(), "x", "y.txt")
	if got := g.Rel(p); got != "x/y.txt" {
		t.Errorf("Rel = %q, want x/y.txt", got)
	}
}

func symlinkOrSkip(t *testing.T, oldname, newname string) {
	t.Helper()
	if err := os.Symlink(oldname, newname); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
}

func TestGuardResolveSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	g, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	r := g.Root()

	if err := os.Mkdir(filepath.Join(r, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	symlinkOrSkip(t, outside, filepath.Join(r, "link"))
	symlinkOrSkip(t, filepath.Join(outside, "missing.txt"), filepath.Join(r, "dangling.txt"))
	symlinkOrSkip(t, "sub", filepath.Join(r, "inner"))
	symlinkOrSkip(t, filepath.Join(r, "loop"), filepath.Join(r, "loop"))

	for _, target := range []string{
		"link",
		"link/pwned.txt",
		"link/new/dir/pwned.txt",
		"dangling.txt",
	} {
		_, err := g.Resolve(target)
		if !errors.Is(err, ErrPathEscape) {
			t.Errorf("Resolve(%q) error = %v, want ErrPathEscape", target, err)
		}
	}

	got, err := g.Resolve("inner/new.txt")
	if err != nil {
		t.Fatalf("Resolve through an in-root link failed: %v", err)
	}
	if want := filepath.Join(r, "inner", "new.txt"); got != want {
		t.Errorf("Resolve(inner/new.txt) = %q, want %q", got, want)
	}

	if _, err := g.Resolve("loop/x"); err == nil {
		t.Error("Resolve through a link loop succeeded")
	}
	if entries, _ := os.ReadDir(outside); len(entries) != 0 {
		t.Errorf("resolve created %d entries outside the root", len(entries))
	}
}
