package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sokinpui/protopatch/internal/logging"
	"github.com/sokinpui/protopatch/model"
)

// FileName is the journal database inside the backup directory.
const FileName = "journal.db"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	root       TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	dry_run    INTEGER NOT NULL,
	actions    INTEGER NOT NULL,
	failed     INTEGER NOT NULL,
	output     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS backups (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	source    TEXT NOT NULL,
	path      TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Run is one journaled apply run.
type Run struct {
	ID        string
	Root      string
	StartedAt time.Time
	DryRun    bool
	Actions   int
	Failed    int
	Output    string
	Backups   []model.BackupRecord
}

// Manager records apply runs in a SQLite journal.
type Manager struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// New opens (or creates) the journal in dir.
func New(dir string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create journal directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Manager{db: db, path: path, logger: logging.OrNop(logger)}, nil
}

// Path returns the journal file location.
func (m *Manager) Path() string { return m.path }

// Close releases the database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Record stores a report and its backups in one transaction.
func (m *Manager) Record(ctx context.Context, r *model.Report) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, root, started_at, dry_run, actions, failed, output) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Root, r.StartedAt.UnixNano(), boolInt(r.DryRun), len(r.Results), r.Failed(), r.Output())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	for _, b := range r.Backups() {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO backups (run_id, source, path, timestamp) VALUES (?, ?, ?, ?)`,
			r.RunID, b.Source, b.Path, b.Timestamp)
		if err != nil {
			return fmt.Errorf("insert backup of %s: %w", b.Source, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	m.logger.Debug("journaled run", zap.String("run_id", r.RunID), zap.Int("backups", len(r.Backups())))
	return nil
}

// List returns up to limit runs, newest first. A limit <= 0 returns all runs.
func (m *Manager) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, root, started_at, dry_run, actions, failed, output FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run     Run
			started int64
			dryRun  int
		)
		if err := rows.Scan(&run.ID, &run.Root, &started, &dryRun, &run.Actions, &run.Failed, &run.Output); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = time.Unix(0, started)
		run.DryRun = dryRun != 0
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range runs {
		backups, err := m.backups(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Backups = backups
	}
	return runs, nil
}

func (m *Manager) backups(ctx context.Context, runID string) ([]model.BackupRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT source, path, timestamp FROM backups WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query backups of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []model.BackupRecord
	for rows.Next() {
		var b model.BackupRecord
		if err := rows.Scan(&b.Source, &b.Path, &b.Timestamp); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
