// Package cli implements the serieslake command tree: one-shot pipeline
// runs, the HTTP trigger surface, and the read-side tooling (status, read,
// consolidate, verify).
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/logging"
)

// BuildInfo identifies the binary; values are injected via -ldflags -X.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Run executes the command tree and returns the terminal error for the
// caller to map to an exit code.
func Run(build BuildInfo) error {
	rootCmd := &cobra.Command{
		Use:           "serieslake",
		Short:         "Incremental ingestion engine for published time-series datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		NewRunCmd().Command(),
		NewServeCmd(build).Command(),
		NewStatusCmd().Command(),
		NewReadCmd().Command(),
		NewConsolidateCmd().Command(),
		NewVerifyCmd().Command(),
		newVersionCmd(build),
	)

	return rootCmd.Execute()
}

func newVersionCmd(build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("serieslake %s (commit: %s, built: %s)\n", build.Version, build.Commit, build.Date)
		},
	}
}

// newLogger builds the command logger on stderr so table and query output
// on stdout stays clean. --verbose wins when given on the command line,
// otherwise the VERBOSE environment setting applies.
func newLogger(flags *pflag.FlagSet, app *config.App) (*slog.Logger, error) {
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	if !flags.Changed("verbose") {
		verbose = app.Verbose
	}
	return logging.New(os.Stderr, verbose), nil
}
