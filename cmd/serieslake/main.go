package main

import (
	"fmt"
	"os"

	"github.com/serieslake-io/serieslake/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Run(cli.BuildInfo{Version: version, Commit: commit, Date: date}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
