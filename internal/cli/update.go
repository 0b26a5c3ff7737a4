package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/catmirror/internal/catalog"
	"github.com/kilupskalvis/catmirror/internal/config"
	"github.com/kilupskalvis/catmirror/internal/core"
	"github.com/kilupskalvis/catmirror/internal/mirror"
	"github.com/kilupskalvis/catmirror/internal/models"
	"github.com/kilupskalvis/catmirror/internal/store"
	"github.com/kilupskalvis/catmirror/internal/vcs"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"
)

var updateDryRun bool

var updateCmd = &cobra.Command{
	Use:   "update <rule>",
	Short: "Reconcile the mirror of a rule with its catalog",
	Long: `Clone the rule's repository into a temporary directory, reconcile every
configured metadata type with the remote catalog and publish the result as a
single commit.

Examples:
  catmirror update prod
  catmirror update prod --dry-run
  catmirror update prod --log-level debug --log-file debug.log`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeRuleNames,
	Run:               runUpdate,
}

func init() {
	updateCmd.Flags().BoolVar(&updateDryRun, "dry-run", false, "Classify changes without writing or publishing")
}

func runUpdate(cmd *cobra.Command, args []string) {
	c := initContext()
	rule, journal, err := prepareUpdate(c.Config, args[0])
	if err != nil {
		exitError("%v", err)
	}
	c.Journal = journal
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Updating %s from %s...\n", rule.Name, rule.OriginURL)

	result, err := update(ctx, c.Config, rule, c.Journal, updateOptions{
		DryRun: updateDryRun,
		Logger: c.Logger,
		Progress: func(name string, current, total int) {
			fmt.Printf("  [%d/%d] %s\n", current, total, name)
		},
	})
	if result != nil {
		printRunSummary(os.Stdout, result)
	}
	if err != nil {
		exitError("%v", err)
	}
}

// prepareUpdate resolves and validates the rule before touching the state
// directory, so a configuration error leaves no trace on disk.
func prepareUpdate(cfg *config.Config, name string) (*config.Rule, *store.Journal, error) {
	rule, err := cfg.Rule(name)
	if err != nil {
		return nil, nil, err
	}
	if err := rule.Validate(); err != nil {
		return nil, nil, err
	}
	journal, err := openJournal(cfg)
	if err != nil {
		return nil, nil, err
	}
	return rule, journal, nil
}

type updateOptions struct {
	DryRun   bool
	Logger   *slog.Logger
	Progress core.ProgressFunc
	// WorkDir overrides the temporary working directory.
	WorkDir string
}

// update runs one rule end to end and journals the outcome.
func update(ctx context.Context, cfg *config.Config, rule *config.Rule, journal *store.Journal, opts updateOptions) (*models.RunResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("rule", rule.Name)

	workDir := opts.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "catmirror-"+rule.Name+"-")
		if err != nil {
			return nil, fmt.Errorf("create working directory: %w", err)
		}
		workDir = dir
		if rule.Debug {
			logger.Info("keeping working directory", "dir", workDir)
		} else {
			defer os.RemoveAll(workDir)
		}
	}

	runID, err := journal.BeginRun(rule.Name, time.Now(), opts.DryRun)
	if err != nil {
		return nil, err
	}
	logger = logger.With("run", shortID(runID))

	result, runErr := reconcile(ctx, cfg, rule, workDir, opts, logger)
	if err := journal.FinishRun(runID, result, runErr); err != nil {
		logger.Error("failed to journal run", "error", err)
	}
	return result, runErr
}

func reconcile(ctx context.Context, cfg *config.Config, rule *config.Rule, workDir string, opts updateOptions, logger *slog.Logger) (*models.RunResult, error) {
	backend, err := vcs.NewGitBackend(vcs.Options{
		URL:                   rule.Repo,
		Branch:                rule.RepoBranch,
		Dir:                   workDir,
		Committer:             vcs.Committer{Name: rule.Committer.Name, Email: rule.Committer.Email},
		PrivateKey:            rule.RepoCredentials.PrivateKey,
		Passphrase:            rule.RepoCredentials.Passphrase,
		InsecureIgnoreHostKey: rule.RepoCredentials.InsecureIgnoreHostKey,
		Username:              rule.RepoCredentials.Username,
		Password:              rule.RepoCredentials.Password,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := backend.Clone(ctx); err != nil {
		return nil, err
	}

	var client catalog.Client = catalog.NewHTTPClient(
		rule.OriginURL,
		rule.OriginCredentials.Username,
		rule.OriginCredentials.Password,
		catalog.WithMaxRPS(cfg.MaxRPS),
	)
	client = catalog.NewRetryClient(client, catalog.WithRetryLogger(logger))

	sem := semaphore.NewWeighted(int64(cfg.Concurrency()))
	fetcher := catalog.NewBatchFetcher(client, sem,
		catalog.WithRequestTimeout(cfg.Timeout()),
		catalog.WithFields(rule.Fields),
		catalog.WithLogger(logger),
	)

	engine := core.NewEngine(
		client,
		fetcher,
		store.NewSnapshotStore(workDir, logger),
		mirror.NewWriter(workDir, logger),
		backend,
		core.Options{
			Logger:      logger,
			Progress:    opts.Progress,
			DryRun:      opts.DryRun,
			StrictFetch: rule.StrictFetch,
		},
	)

	return engine.Run(ctx, rule)
}

func printRunSummary(w io.Writer, result *models.RunResult) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	fmt.Fprintln(w)
	for _, p := range result.Passes {
		if p.Failed() {
			red.Fprintf(w, "  ✗ %s: %v\n", p.Key, p.Err)
			continue
		}
		fmt.Fprintf(w, "  %s ", p.Key)
		green.Fprintf(w, "+%s ", humanize.Comma(int64(p.Added)))
		red.Fprintf(w, "-%s ", humanize.Comma(int64(p.Removed)))
		yellow.Fprintf(w, "~%s", humanize.Comma(int64(p.Changed)))
		if p.FailedChunks > 0 {
			red.Fprintf(w, " (%d failed chunks, retried next run)", p.FailedChunks)
		}
		fmt.Fprintln(w)
	}
	for _, name := range result.Skipped {
		yellow.Fprintf(w, "  ? %s: unknown metadata type, skipped\n", name)
	}

	added, removed, changed := result.Totals()
	fmt.Fprintf(w, "\n%s added, %s removed, %s changed in %s\n",
		humanize.Comma(int64(added)), humanize.Comma(int64(removed)), humanize.Comma(int64(changed)),
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))

	switch {
	case result.DryRun:
		cyan.Fprintln(w, "Dry run, nothing published")
	case result.CommitID != "":
		green.Fprintf(w, "Published commit %s\n", shortID(result.CommitID))
	default:
		fmt.Fprintln(w, "No changes to publish")
	}

	if failed := result.FailedPasses(); len(failed) > 0 {
		red.Fprintf(w, "%d of %d passes failed\n", len(failed), len(result.Passes))
	}
}
