package protopatch

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sokinpui/protopatch/cli"
	"github.com/sokinpui/protopatch/internal/backup"
	"github.com/sokinpui/protopatch/internal/logging"
	"github.com/sokinpui/protopatch/internal/parser"
	"github.com/sokinpui/protopatch/internal/patcher"
	"github.com/sokinpui/protopatch/internal/state"
	"github.com/sokinpui/protopatch/internal/workspace"
	"github.com/sokinpui/protopatch/model"
)

// ProgressUpdate is a callback function to report progress.
type ProgressUpdate func(current, total int)

// DetailedError enhances a standard error with a stack trace.
type DetailedError struct {
	Err   error
	Stack []byte
}

func (e *DetailedError) Error() string {
	return e.Err.Error()
}

func (e *DetailedError) Unwrap() error { return e.Err }

// Engine runs protocol documents against a workspace.
type Engine struct {
	cfg              *cli.Config
	logger           *zap.Logger
	clock            backup.Clock
	progressCallback ProgressUpdate

	// apply executes one guarded action; replaced in tests.
	apply func(a *patcher.Applier, action model.Action, path string) model.Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the operator logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithClock sets the clock used for run and backup timestamps.
func WithClock(c backup.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an Engine. A nil cfg uses cli.Defaults().
func New(cfg *cli.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = cli.Defaults()
	}
	e := &Engine{
		cfg:    cfg,
		logger: zap.NewNop(),
		apply: func(a *patcher.Applier, action model.Action, path string) model.Result {
			return a.Apply(action, path)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetProgressCallback sets a function to be called for progress updates.
func (e *Engine) SetProgressCallback(cb ProgressUpdate) {
	e.progressCallback = cb
}

// Apply parses protocolText and executes its actions against root. Only a
// protocol syntax error (or an unusable root) is returned as an error; every
// action-level failure is reported in the returned report.
func (e *Engine) Apply(ctx context.Context, root, protocolText string) (*model.Report, error) {
	return e.run(ctx, root, protocolText, e.cfg.DryRun)
}

// Preview is Apply in dry-run mode: no file, backup or journal is written.
func (e *Engine) Preview(ctx context.Context, root, protocolText string) (*model.Report, error) {
	return e.run(ctx, root, protocolText, true)
}

func (e *Engine) run(ctx context.Context, root, protocolText string, dryRun bool) (report *model.Report, err error) {
	// Centralized panic recovery.
	defer func() {
		if r := recover(); r != nil {
			err = &DetailedError{
				Err:   fmt.Errorf("internal panic: %v", r),
				Stack: debug.Stack(),
			}
		}
	}()

	guard, err := workspace.NewGuard(root)
	if err != nil {
		return nil, err
	}

	doc, err := parser.Parse(parser.ExtractProtocol(protocolText))
	if err != nil {
		e.logger.Warn("protocol rejected", zap.String("root", guard.Root()), zap.Error(err))
		return nil, err
	}

	backupOpts := []backup.Option{backup.WithDir(e.cfg.BackupDir)}
	if e.clock != nil {
		backupOpts = append(backupOpts, backup.WithClock(e.clock))
	}
	applier := patcher.New(backup.New(guard.Root(), backupOpts...), patcher.WithDryRun(dryRun))

	report = &model.Report{
		RunID:     uuid.NewString(),
		Root:      guard.Root(),
		StartedAt: e.now(),
		DryRun:    dryRun,
	}
	log := e.logger.With(zap.String("run_id", report.RunID), zap.String("root", report.Root))
	log.Debug("applying protocol", zap.Int("actions", len(doc)), zap.Bool("dry_run", dryRun))

	total := len(doc)
	e.progress(0, total)
	for i, action := range doc {
		var res model.Result
		if ctxErr := ctx.Err(); ctxErr != nil {
			res = model.Result{Action: action}
			res.Fail(fmt.Errorf("not applied: %w", ctxErr))
		} else {
			res = e.applyOne(guard, applier, action)
		}
		if res.Status == model.StatusFailed {
			log.Warn("action failed",
				zap.Stringer("kind", action.Kind),
				zap.String("target", action.Target),
				zap.Error(res.Err))
		}
		report.Results = append(report.Results, res)
		e.progress(i+1, total)
	}

	if e.cfg.Journal && !dryRun && total > 0 {
		e.journal(ctx, log, report)
	}
	return report, nil
}

// applyOne guards the target and runs the action, turning a panic into a
// failed result so the remaining actions still run.
func (e *Engine) applyOne(guard *workspace.Guard, applier *patcher.Applier, action model.Action) (res model.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = model.Result{Action: action}
			res.Fail(&DetailedError{
				Err:   fmt.Errorf("internal panic: %v", r),
				Stack: debug.Stack(),
			})
		}
	}()

	path, err := guard.Resolve(action.Target)
	if err != nil {
		res = model.Result{Action: action}
		res.Fail(err)
		return res
	}
	return e.apply(applier, action, path)
}

func (e *Engine) journal(ctx context.Context, log *zap.Logger, report *model.Report) {
	journal, err := state.New(filepath.Join(report.Root, e.cfg.BackupDir), log)
	if err != nil {
		log.Warn("journal unavailable", zap.Error(err))
		return
	}
	defer journal.Close()
	if err := journal.Record(context.WithoutCancel(ctx), report); err != nil {
		log.Warn("journal write failed", zap.Error(err))
	}
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now()
}

func (e *Engine) progress(current, total int) {
	if e.progressCallback != nil {
		e.progressCallback(current, total)
	}
}
