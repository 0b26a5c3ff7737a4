package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/catmirror/internal/config"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List configured rules",
	Args:  cobra.NoArgs,
	Run:   runRules,
}

func runRules(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	names := c.Config.RuleNames()
	if len(names) == 0 {
		fmt.Printf("No rules in %s\n", c.Config.Path())
		return
	}

	bold := color.New(color.Bold)
	for _, name := range names {
		rule, err := c.Config.Rule(name)
		if err != nil {
			exitError("%v", err)
		}

		types := make([]string, 0, len(rule.Metadata))
		for _, m := range rule.Metadata {
			if m.Hierarchical {
				types = append(types, m.Name+" (by level)")
			} else {
				types = append(types, m.Name)
			}
		}

		bold.Printf("%s\n", rule.Name)
		fmt.Printf("  origin:   %s\n", rule.OriginURL)
		fmt.Printf("  repo:     %s (%s)\n", rule.Repo, rule.RepoBranch)
		fmt.Printf("  metadata: %s\n", strings.Join(types, ", "))
		if err := rule.Validate(); err != nil {
			color.Red("  invalid:  %v", err)
		}
	}
}

// completeRuleNames offers configured rule names for the first argument.
func completeRuleNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	path := configPath
	if path == "" {
		found, err := config.FindConfigFile()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		path = found
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return cfg.RuleNames(), cobra.ShellCompDirectiveNoFileComp
}
