package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sokinpui/protopatch/internal/logging"
	"github.com/sokinpui/protopatch/model"
)

// DefaultDebounce is the quiet period after the last write before the inbox
// is applied.
const DefaultDebounce = 300 * time.Millisecond

// Engine applies protocol text to a workspace.
type Engine interface {
	Apply(ctx context.Context, root, protocolText string) (*model.Report, error)
}

// ReportFunc receives the outcome of each inbox application.
type ReportFunc func(report *model.Report, err error)

// Stats counts watcher activity.
type Stats struct {
	Events  int
	Applied int
	Errors  int
}

// Watcher applies an inbox file to a workspace every time it is saved.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	engine   Engine
	root     string
	inbox    string
	debounce time.Duration
	onReport ReportFunc
	logger   *zap.Logger

	pending  time.Time
	lastText string
	stats    Stats
}

// New starts watching the directory holding inbox. Events that arrive before
// Run is called are queued.
func New(engine Engine, root, inbox string, debounce time.Duration, onReport ReportFunc, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(inbox)
	if err != nil {
		return nil, fmt.Errorf("resolve inbox %q: %w", inbox, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; editors often replace the file instead of writing it.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		watcher:  fw,
		engine:   engine,
		root:     root,
		inbox:    abs,
		debounce: debounce,
		onReport: onReport,
		logger:   logging.OrNop(logger),
	}, nil
}

// Inbox returns the absolute path of the watched file.
func (w *Watcher) Inbox() string { return w.inbox }

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run processes events until ctx is cancelled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	w.logger.Info("watching inbox", zap.String("inbox", w.inbox), zap.String("root", w.root))
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Warn("watch error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case now := <-ticker.C:
			w.processDebounced(ctx, now)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.inbox {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	w.logger.Debug("inbox event", zap.Stringer("op", event.Op))

	w.mu.Lock()
	w.stats.Events++
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context, now time.Time) {
	w.mu.Lock()
	if w.pending.IsZero() || now.Sub(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	data, err := os.ReadFile(w.inbox)
	if err != nil {
		w.logger.Warn("read inbox", zap.Error(err))
		return
	}
	text := string(data)
	// Saving the same protocol twice is not a new request.
	if strings.TrimSpace(text) == "" || text == w.lastText {
		return
	}
	w.lastText = text

	report, err := w.engine.Apply(ctx, w.root, text)
	w.mu.Lock()
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Applied++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("inbox rejected", zap.Error(err))
	} else {
		w.logger.Info("inbox applied", zap.String("run_id", report.RunID), zap.Int("failed", report.Failed()))
	}
	if w.onReport != nil {
		w.onReport(report, err)
	}
}
