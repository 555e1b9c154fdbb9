package protopatch

import (
	"context"
	"fmt"

	"github.com/sokinpui/protopatch/cli"
)

// Config for using protopatch as a library.
type Config struct {
	// Compute the changes and their previews without writing anything.
	DryRun bool
	// Backup directory relative to the workspace root (default ".backup").
	BackupDir string
	// Record the run in the backup directory's journal.
	Journal bool
}

// Apply parses text and applies it to the workspace at root. ok is false when
// the protocol could not be parsed; output is the aggregated run log, or the
// error line when ok is false.
func Apply(ctx context.Context, root, text string, config Config) (ok bool, output string, err error) {
	cliCfg := cli.Defaults()
	cliCfg.DryRun = config.DryRun
	cliCfg.Journal = config.Journal
	if config.BackupDir != "" {
		cliCfg.BackupDir = config.BackupDir
	}
	if err := cliCfg.Validate(); err != nil {
		return false, fmt.Sprintf("[ERROR] %v", err), err
	}

	report, err := New(cliCfg).Apply(ctx, root, text)
	if err != nil {
		return false, fmt.Sprintf("[ERROR] %v", err), err
	}
	return true, report.Output(), nil
}
