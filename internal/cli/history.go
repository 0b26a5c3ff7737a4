package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/kilupskalvis/catmirror/internal/store"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:               "history [rule]",
	Short:             "Show past runs",
	Long:              `Display runs recorded in the journal, newest first.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeRuleNames,
	Run:               runHistory,
}

var (
	historyLimit   int
	historyVerbose bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "n", "n", 20, "Limit the number of runs to show")
	historyCmd.Flags().BoolVarP(&historyVerbose, "verbose", "v", false, "Show per-type passes")
}

func runHistory(cmd *cobra.Command, args []string) {
	c := initContextWithJournal()
	defer c.Close()

	rule := ""
	if len(args) == 1 {
		rule = args[0]
	}

	runs, err := c.Journal.ListRuns(rule, historyLimit)
	if err != nil {
		exitError("failed to read journal: %v", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return
	}

	printHistory(os.Stdout, runs, historyVerbose)
}

func printHistory(w io.Writer, runs []*store.RunRecord, verbose bool) {
	yellow := color.New(color.FgYellow)

	for _, run := range runs {
		yellow.Fprintf(w, "%s ", shortID(run.ID))
		statusColor(run.Status).Fprintf(w, "%-9s ", run.Status)

		var added, removed, changed int
		for _, p := range run.Passes {
			added += p.Added
			removed += p.Removed
			changed += p.Changed
		}

		fmt.Fprintf(w, "%s  %s  +%s -%s ~%s",
			run.Rule,
			humanize.Time(run.StartedAt),
			humanize.Comma(int64(added)), humanize.Comma(int64(removed)), humanize.Comma(int64(changed)),
		)
		if run.CommitID != "" {
			fmt.Fprintf(w, "  commit %s", shortID(run.CommitID))
		}
		if run.DryRun {
			fmt.Fprint(w, "  (dry run)")
		}
		fmt.Fprintln(w)

		if run.Error != "" {
			color.New(color.FgRed).Fprintf(w, "    %s\n", run.Error)
		}
		if verbose {
			for _, p := range run.Passes {
				fmt.Fprintf(w, "    %s +%d -%d ~%d", p.Key, p.Added, p.Removed, p.Changed)
				if p.Error != "" {
					fmt.Fprintf(w, " error: %s", p.Error)
				}
				fmt.Fprintln(w)
			}
		}
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case store.RunSucceeded:
		return color.New(color.FgGreen)
	case store.RunPartial:
		return color.New(color.FgYellow)
	case store.RunFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}
