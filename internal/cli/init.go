package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/catmirror/internal/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample configuration",
	Long: `Write a sample catmirror.toml to the current directory, or to path.
Edit the rule, then run 'catmirror update <rule>'.

Secrets can be left out of the file and supplied through the environment:
  CATMIRROR_ORIGIN_USERNAME, CATMIRROR_ORIGIN_PASSWORD,
  CATMIRROR_REPO_USERNAME, CATMIRROR_REPO_PASSWORD, CATMIRROR_REPO_PASSPHRASE`,
	Args: cobra.MaximumNArgs(1),
	Run:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) {
	path := config.ConfigFile
	if len(args) == 1 {
		path = args[0]
	}

	if err := writeSample(path, initForce); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Wrote sample configuration to %s\n", path)
}

func writeSample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return config.Sample().Save(path)
}
