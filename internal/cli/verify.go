package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/serieslake-io/serieslake/internal/config"
)

type VerifyCmd struct{}

func NewVerifyCmd() *VerifyCmd {
	return &VerifyCmd{}
}

func (c *VerifyCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <dataset-id>",
		Short: "Check the key index against the published manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rebuild, err := cmd.Flags().GetBool("rebuild")
			if err != nil {
				return fmt.Errorf("failed to get rebuild flag: %w", err)
			}

			app, err := config.LoadApp()
			if err != nil {
				return fmt.Errorf("failed to load app config: %w", err)
			}
			log, err := newLogger(cmd.Root().PersistentFlags(), app)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			eng, err := newEngine(ctx, log, app)
			if err != nil {
				return err
			}
			defer eng.Close()

			reg, err := eng.Datasets()
			if err != nil {
				return err
			}
			ds, err := reg.Get(args[0])
			if err != nil {
				return err
			}

			report, err := eng.cat.VerifyConsistency(ctx, ds.ID)
			if err != nil {
				return err
			}
			if report.Consistent {
				fmt.Printf("dataset %q is consistent: index=%d rows_total=%d\n",
					ds.ID, report.IndexLen, report.RowsTotal)
				if report.Detail != "" {
					fmt.Println(report.Detail)
				}
				return nil
			}

			fmt.Printf("dataset %q diverged: %s\n", ds.ID, report.Detail)
			if !rebuild {
				return fmt.Errorf("key index diverged from the published log; rerun with --rebuild to reconstruct it")
			}

			x, err := eng.cat.RebuildKeyIndex(ctx, ds.ID, ds.PrimaryKeys)
			if err != nil {
				return fmt.Errorf("failed to rebuild key index: %w", err)
			}
			fmt.Printf("rebuilt key index: %d keys\n", x.Len())
			return nil
		},
	}

	cmd.Flags().Bool("rebuild", false, "Reconstruct the key index from the published event log when diverged")

	return cmd
}
