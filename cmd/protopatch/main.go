package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sokinpui/protopatch/cli"
	"github.com/sokinpui/protopatch/internal/gitops"
	"github.com/sokinpui/protopatch/internal/logging"
	"github.com/sokinpui/protopatch/internal/nvim"
	"github.com/sokinpui/protopatch/internal/server"
	"github.com/sokinpui/protopatch/internal/source"
	"github.com/sokinpui/protopatch/internal/state"
	"github.com/sokinpui/protopatch/internal/tui"
	"github.com/sokinpui/protopatch/internal/ui"
	"github.com/sokinpui/protopatch/internal/watch"
	"github.com/sokinpui/protopatch/model"
	"github.com/sokinpui/protopatch/protopatch"
)

var (
	cfg    = cli.Defaults()
	logger = zap.NewNop()

	gitName    string
	gitEmail   string
	gitMessage string
	gitPush    bool
)

var rootCmd = &cobra.Command{
	Use:   "protopatch",
	Short: "Apply line-oriented file change protocols to a workspace",
	Long: `protopatch applies documents made of #Action blocks (FileNew, FileDelete,
TextInsert, TextDelete, TextModify) to files under a workspace root.

Every overwritten, edited or deleted file is first copied to
<root>/.backup/<path>.bak-YYYYMMDD-HHMMSS.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.Resolve(cmd.Flags(), cfg); err != nil {
			return err
		}
		l, err := logging.New(logging.Options{Verbose: cfg.Verbose, JSON: cfg.LogJSON})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a protocol from --file, piped stdin or the clipboard",
	Args:  cobra.NoArgs,
	RunE:  runApply,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API (POST /apply, /status, /git/*)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(newEngine(), cfg.GitTimeout, logger)
		ui.Info("* Serving on http://%s  (POST /apply)", cfg.Addr)
		return srv.Run(ctx, cfg.Addr)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Apply the inbox file every time it is saved",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Inbox == "" {
			return fmt.Errorf("--inbox is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w, err := watch.New(newEngine(), cfg.Root, cfg.Inbox, cfg.Debounce, func(report *model.Report, err error) {
			if err != nil {
				ui.Error("Error: %v", err)
				return
			}
			printOutput(report)
			ui.PrintReport(report)
		}, logger)
		if err != nil {
			return err
		}
		ui.Info("Watching %s (Ctrl+C to stop)", w.Inbox())
		return w.Run(ctx)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List journaled runs and their backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := state.New(filepath.Join(cfg.Root, cfg.BackupDir), logger)
		if err != nil {
			return err
		}
		defer journal.Close()

		runs, err := journal.List(cmd.Context(), cfg.Limit)
		if err != nil {
			return err
		}
		ui.PrintHistory(runs)
		return nil
	},
}

var gitCmd = &cobra.Command{
	Use:   "git",
	Short: "Git helpers for the workspace",
}

var gitInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a repository and set the commit identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		git, err := gitops.New(cfg.GitTimeout, logger)
		if err != nil {
			return err
		}
		out, err := git.Init(cmd.Context(), cfg.Root, gitName, gitEmail)
		fmt.Print(out)
		return err
	},
}

var gitCommitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Stage everything and commit, optionally pushing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		git, err := gitops.New(cfg.GitTimeout, logger)
		if err != nil {
			return err
		}
		out, err := git.Commit(cmd.Context(), cfg.Root, gitMessage, gitPush)
		fmt.Println(out)
		return err
	},
}

var gitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the short working-tree status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		git, err := gitops.New(cfg.GitTimeout, logger)
		if err != nil {
			return err
		}
		out, err := git.Status(cmd.Context(), cfg.Root)
		fmt.Print(out)
		return err
	},
}

func init() {
	cli.BindFlags(rootCmd.PersistentFlags(), cfg)
	cli.BindApplyFlags(applyCmd.Flags(), cfg)

	serveCmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on.")
	watchCmd.Flags().StringVar(&cfg.Inbox, "inbox", "", "File to watch for protocol text.")
	watchCmd.Flags().DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "Quiet period after the last write before applying.")
	historyCmd.Flags().IntVar(&cfg.Limit, "limit", cfg.Limit, "Maximum number of runs to list (0 for all).")

	gitInitCmd.Flags().StringVar(&gitName, "name", "", "user.name for the repository.")
	gitInitCmd.Flags().StringVar(&gitEmail, "email", "", "user.email for the repository.")
	gitCommitCmd.Flags().StringVarP(&gitMessage, "message", "m", "update", "Commit message.")
	gitCommitCmd.Flags().BoolVar(&gitPush, "push", false, "Push when a remote is configured.")
	gitCmd.AddCommand(gitInitCmd, gitCommitCmd, gitStatusCmd)

	rootCmd.AddCommand(applyCmd, serveCmd, watchCmd, historyCmd, gitCmd)
}

func newEngine() *protopatch.Engine {
	return protopatch.New(cfg, protopatch.WithLogger(logger))
}

func runApply(cmd *cobra.Command, args []string) error {
	content, err := source.New().GetContent(cfg.File)
	if err != nil {
		return err
	}
	if content == "" {
		ui.Info("Source is empty. Nothing to process.")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := newEngine()
	var report *model.Report
	if cfg.Plain || !isTerminal(os.Stderr) {
		report, err = applyPlain(ctx, engine, content)
	} else {
		report, err = applyTUI(ctx, engine, content)
	}
	if err != nil {
		var de *protopatch.DetailedError
		if errors.As(err, &de) {
			fmt.Fprintf(os.Stderr, "\n--- Stack Trace ---\n%s\n", de.Stack)
		}
		return err
	}

	printOutput(report)
	if cfg.Plain {
		ui.PrintReport(report)
	} else if report.DryRun {
		for _, res := range report.Results {
			ui.PrintPreview(res.Action.Target, res.Preview)
		}
	}
	if cfg.Nvim && !report.DryRun {
		reloadBuffers(report.ChangedFiles())
	}
	return nil
}

func applyPlain(ctx context.Context, engine *protopatch.Engine, content string) (*model.Report, error) {
	var bar *ui.ProgressBar
	engine.SetProgressCallback(func(current, total int) {
		if total < 2 {
			return
		}
		if bar == nil {
			bar = ui.NewProgressBar(total, "Applying")
			bar.Start()
			return
		}
		bar.Set(current)
		if current == total {
			bar.Finish()
		}
	})
	return engine.Apply(ctx, cfg.Root, content)
}

func applyTUI(ctx context.Context, engine *protopatch.Engine, content string) (*model.Report, error) {
	m := tui.New(func() (*model.Report, error) {
		return engine.Apply(ctx, cfg.Root, content)
	})
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))
	engine.SetProgressCallback(func(current, total int) {
		p.Send(tui.ProgressMsg{Current: current, Total: total})
	})

	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("error running program: %w", err)
	}
	fm := final.(tui.Model)
	if fm.Err() != nil {
		return nil, fm.Err()
	}
	if fm.Report() == nil {
		return nil, fmt.Errorf("interrupted")
	}
	return fm.Report(), nil
}

func reloadBuffers(paths []string) {
	if len(paths) == 0 {
		return
	}
	manager, err := nvim.New()
	if err != nil {
		ui.Warning("Neovim reload skipped: %v", err)
		return
	}
	defer manager.Close()

	reloaded, failed := manager.ReloadFiles(paths, nil)
	if len(reloaded) > 0 {
		ui.Success("Reloaded %d Neovim buffer(s).", len(reloaded))
	}
	for _, f := range failed {
		ui.Warning("Could not reload buffer for %s", f)
	}
}

func printOutput(report *model.Report) {
	fmt.Println(strings.TrimRight(report.Output(), "\n"))
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
