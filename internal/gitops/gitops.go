package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sokinpui/protopatch/internal/logging"
)

// DefaultTimeout bounds each git subprocess when none is configured.
const DefaultTimeout = 60 * time.Second

// NoRemoteNote is appended to a commit's output when a push was requested
// but the repository has no remote.
const NoRemoteNote = "(no remote configured; skipping push)"

// WaitDelay bounds how long Run waits for output pipes after git is killed.
// Children such as ssh or credential helpers can keep them open.
const WaitDelay = 2 * time.Second

var (
	ErrUnavailable      = errors.New("git executable not found")
	ErrTimeout          = errors.New("git command timed out")
	ErrIdentityRequired = errors.New("name/email are required")
)

// Result is the captured outcome of one git invocation. ExitCode is 124 on
// timeout and -1 when the process could not be started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// CommandError is returned for a git invocation that did not exit cleanly.
type CommandError struct {
	Args   []string
	Result Result
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", e.Result.ExitCode)
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error {
	if e.Result.TimedOut {
		return ErrTimeout
	}
	return nil
}

// Which returns the path of the git executable, if any.
func Which() (string, bool) {
	p, err := exec.LookPath("git")
	if err == nil && strings.TrimSpace(p) != "" {
		return p, true
	}
	return "", false
}

// Runner executes git commands inside a workspace.
type Runner struct {
	gitPath string
	timeout time.Duration
	logger  *zap.Logger
}

// New locates git and returns a Runner whose commands are bounded by timeout.
func New(timeout time.Duration, logger *zap.Logger) (*Runner, error) {
	p, ok := Which()
	if !ok {
		return nil, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{gitPath: p, timeout: timeout, logger: logging.OrNop(logger)}, nil
}

// Inited reports whether root already holds a git repository.
func Inited(root string) bool {
	_, err := os.Stat(filepath.Join(root, ".git"))
	return err == nil
}

// Run executes git with args in dir and captures its output.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.gitPath, args...)
	if strings.TrimSpace(dir) != "" {
		cmd.Dir = dir
	}
	cmd.WaitDelay = WaitDelay

	var outBuf bytes.Buffer
	var errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{ExitCode: 124, Stderr: err.Error(), TimedOut: true}
		}
		return Result{
			ExitCode: -1,
			Stderr:   "Failed to start " + r.gitPath + ": " + err.Error(),
		}
	}
	waitErr := cmd.Wait()

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(waitErr, exec.ErrWaitDelay)
	exitCode := 0
	switch {
	case timedOut:
		exitCode = 124
	case waitErr != nil:
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) && ee.ProcessState != nil {
			exitCode = ee.ProcessState.ExitCode()
		} else {
			exitCode = 1
		}
	case cmd.ProcessState != nil:
		exitCode = cmd.ProcessState.ExitCode()
	}

	res := Result{
		ExitCode: exitCode,
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		TimedOut: timedOut,
	}
	r.logger.Debug("git",
		zap.Strings("args", args),
		zap.String("dir", dir),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut))
	return res
}

func (r *Runner) must(ctx context.Context, dir string, args ...string) (Result, error) {
	res := r.Run(ctx, dir, args...)
	if res.ExitCode != 0 {
		return res, &CommandError{Args: args, Result: res}
	}
	return res, nil
}

// Init creates a repository in root and sets the commit identity.
func (r *Runner) Init(ctx context.Context, root, name, email string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(email) == "" {
		return "", ErrIdentityRequired
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", root, err)
	}
	res, err := r.must(ctx, root, "init")
	if err != nil {
		return res.Stdout, err
	}
	if _, err := r.must(ctx, root, "config", "user.name", name); err != nil {
		return res.Stdout, err
	}
	if _, err := r.must(ctx, root, "config", "user.email", email); err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// Commit stages everything and commits it with message. With push, it pushes
// only when a remote is configured. The combined output is returned even on
// failure.
func (r *Runner) Commit(ctx context.Context, root, message string, push bool) (string, error) {
	if strings.TrimSpace(message) == "" {
		message = "update"
	}
	add, err := r.must(ctx, root, "add", "-A")
	if err != nil {
		return add.Stdout, err
	}
	commit, err := r.must(ctx, root, "commit", "-m", message)
	out := add.Stdout + "\n" + commit.Stdout
	if err != nil {
		return out, err
	}
	if !push {
		return out, nil
	}

	remotes, err := r.must(ctx, root, "remote")
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(remotes.Stdout) == "" {
		return out + "\n" + NoRemoteNote, nil
	}
	pushed, err := r.must(ctx, root, "push")
	out += "\n" + pushed.Stdout
	return out, err
}

// Status returns the short working-tree status of root.
func (r *Runner) Status(ctx context.Context, root string) (string, error) {
	res, err := r.must(ctx, root, "status", "--short", "--branch")
	return res.Stdout, err
}
