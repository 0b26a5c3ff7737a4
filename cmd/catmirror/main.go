// Command catmirror mirrors a remote metadata catalog into a git repository.
package main

import (
	"os"

	"github.com/kilupskalvis/catmirror/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
