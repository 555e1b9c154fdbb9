package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is looked up in the workspace root when --config is not set.
const ConfigFileName = ".protopatch.yaml"

// Config holds all settings, from defaults, the YAML file and flags.
type Config struct {
	Root       string        `yaml:"root"`
	BackupDir  string        `yaml:"backup_dir"`
	Journal    bool          `yaml:"journal"`
	GitTimeout time.Duration `yaml:"git_timeout"`
	Addr       string        `yaml:"addr"`
	Inbox      string        `yaml:"inbox"`
	Debounce   time.Duration `yaml:"debounce"`
	Verbose    bool          `yaml:"verbose"`
	LogJSON    bool          `yaml:"log_json"`

	// Per-invocation flags; not read from the file.
	ConfigPath string `yaml:"-"`
	File       string `yaml:"-"`
	DryRun     bool   `yaml:"-"`
	Plain      bool   `yaml:"-"`
	Nvim       bool   `yaml:"-"`
	NoJournal  bool   `yaml:"-"`
	Limit      int    `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Root:       ".",
		BackupDir:  ".backup",
		Journal:    true,
		GitTimeout: 60 * time.Second,
		Addr:       "127.0.0.1:5000",
		Debounce:   300 * time.Millisecond,
		Limit:      20,
	}
}

// LoadFile overlays the YAML file at path onto cfg. A missing file is not an
// error.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// BindFlags defines the persistent flags shared by every command.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.Root, "root", "C", cfg.Root, "Workspace root that every target path is confined to.")
	fs.StringVar(&cfg.ConfigPath, "config", "", "Config file (default: <root>/"+ConfigFileName+").")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "Hidden directory, relative to the root, that receives backups.")
	fs.BoolVar(&cfg.Journal, "journal", cfg.Journal, "Record each run in the backup directory's journal.")
	fs.DurationVar(&cfg.GitTimeout, "git-timeout", cfg.GitTimeout, "Timeout for each git subprocess.")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable debug logging.")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Write logs as JSON.")
}

// BindApplyFlags defines the flags of the apply command.
func BindApplyFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.File, "file", "f", "", "Read the protocol from a file instead of stdin or the clipboard.")
	fs.BoolVarP(&cfg.DryRun, "dry-run", "n", false, "Show what would change without writing files.")
	fs.BoolVar(&cfg.Plain, "plain", false, "Print the log without the interactive summary.")
	fs.BoolVar(&cfg.Nvim, "nvim", false, "Reload changed buffers in the Neovim instance at $NVIM_LISTEN_ADDRESS.")
	fs.BoolVar(&cfg.NoJournal, "no-journal", false, "Do not record this run in the journal.")
}

// Resolve overlays the config file onto cfg after flags were parsed. Flags the
// user set explicitly win over file values.
func Resolve(fs *pflag.FlagSet, cfg *Config) error {
	path := cfg.ConfigPath
	if path == "" {
		path = filepath.Join(cfg.Root, ConfigFileName)
	}

	fileCfg := *cfg
	if err := LoadFile(&fileCfg, path); err != nil {
		return err
	}

	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })
	merge(cfg, &fileCfg, changed)
	if cfg.NoJournal {
		cfg.Journal = false
	}
	return cfg.Validate()
}

// merge copies file values into cfg for every setting the user did not pass
// on the command line.
func merge(cfg, file *Config, changed map[string]bool) {
	if !changed["root"] {
		cfg.Root = file.Root
	}
	if !changed["backup-dir"] {
		cfg.BackupDir = file.BackupDir
	}
	if !changed["journal"] {
		cfg.Journal = file.Journal
	}
	if !changed["git-timeout"] {
		cfg.GitTimeout = file.GitTimeout
	}
	if !changed["verbose"] {
		cfg.Verbose = file.Verbose
	}
	if !changed["log-json"] {
		cfg.LogJSON = file.LogJSON
	}
	if !changed["addr"] {
		cfg.Addr = file.Addr
	}
	if !changed["inbox"] {
		cfg.Inbox = file.Inbox
	}
	if !changed["debounce"] {
		cfg.Debounce = file.Debounce
	}
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BackupDir) == "" {
		return fmt.Errorf("config: backup_dir must not be empty")
	}
	clean := filepath.ToSlash(filepath.Clean(c.BackupDir))
	if filepath.IsAbs(c.BackupDir) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("config: backup_dir %q must be a plain directory name inside the root", c.BackupDir)
	}
	if c.GitTimeout <= 0 {
		return fmt.Errorf("config: git_timeout must be positive")
	}
	return nil
}
