// Command fieldsync records field observations offline and delivers them to
// the central server exactly once.
package main

import (
	"os"

	"github.com/roach88/fieldsync/internal/cli"
)

func main() {
	// Commands report their own errors; cobra prints the rest.
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
