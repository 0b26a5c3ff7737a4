// Package cli implements the command-line interface for catmirror.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilupskalvis/catmirror/internal/config"
	"github.com/kilupskalvis/catmirror/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config  *config.Config
	Journal *store.Journal
	Logger  *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Journal != nil {
		c.Journal.Close()
	}
}

// initContext loads the configuration (no journal)
func initContext() *cmdContext {
	path := configPath
	if path == "" {
		found, err := config.FindConfigFile()
		if err != nil {
			exitError("%v", err)
		}
		path = found
	}

	cfg, err := config.Load(path)
	if err != nil {
		exitError("%v", err)
	}

	return &cmdContext{Config: cfg, Logger: slog.Default()}
}

// initContextWithJournal loads the configuration and opens the run journal
func initContextWithJournal() *cmdContext {
	ctx := initContext()
	journal, err := openJournal(ctx.Config)
	if err != nil {
		exitError("%v", err)
	}
	ctx.Journal = journal
	return ctx
}

// openJournal creates the state directory if needed and opens the journal.
func openJournal(cfg *config.Config) (*store.Journal, error) {
	path := cfg.JournalPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	journal, err := store.OpenJournal(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return journal, nil
}

var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:   "catmirror",
	Short: "Mirror a metadata catalog into git",
	Long: `catmirror mirrors the metadata of a remote catalog into a git repository,
one JSON file per object. Each run lists what changed since the last run,
fetches only added and changed objects, and publishes a single commit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		w := io.Writer(os.Stderr)
		if logFile != "" {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			logCloser = f
			w = f
		}
		slog.SetDefault(newLogger(logLevel, logFormat, w))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", os.Getenv("CATMIRROR_CONFIG"), "Config file (default: catmirror.toml in this or a parent directory)")
	pf.StringVar(&logLevel, "log-level", envOrDefault("CATMIRROR_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	pf.StringVar(&logFormat, "log-format", envOrDefault("CATMIRROR_LOG_FORMAT", "text"), "Log format (text|json)")
	pf.StringVar(&logFile, "log-file", os.Getenv("CATMIRROR_LOG_FILE"), "Write logs to this file instead of stderr")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(historyCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
