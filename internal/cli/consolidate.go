package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

type ConsolidateCmd struct{}

func NewConsolidateCmd() *ConsolidateCmd {
	return &ConsolidateCmd{}
}

func (c *ConsolidateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidate <dataset-id>",
		Short: "Rebuild the per-series monthly projections for one month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := cmd.Flags().GetInt("year")
			if err != nil {
				return fmt.Errorf("failed to get year flag: %w", err)
			}
			month, err := cmd.Flags().GetInt("month")
			if err != nil {
				return fmt.Errorf("failed to get month flag: %w", err)
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return fmt.Errorf("failed to get force flag: %w", err)
			}
			if year == 0 {
				return fmt.Errorf("year is required")
			}
			if month < 1 || month > 12 {
				return fmt.Errorf("month must be between 1 and 12")
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

			m := rowset.Month{Year: year, Month: month}
			if err := eng.consolidator.ConsolidateMonth(ctx, ds.ID, ds.PrimaryKeys, m, force); err != nil {
				return err
			}

			manifest, err := eng.consolidator.ReadManifest(ctx, ds.ID, m)
			if err != nil {
				return fmt.Errorf("failed to read consolidation manifest: %w", err)
			}
			if manifest == nil {
				fmt.Printf("month %s: no events to consolidate\n", m)
				return nil
			}
			fmt.Printf("month %s: status=%s rows=%d series=%d versions=%d\n",
				m, manifest.Status, manifest.Rows, len(manifest.Series), len(manifest.Versions))
			return nil
		},
	}

	cmd.Flags().Int("year", 0, "Calendar year of the month to consolidate")
	cmd.Flags().Int("month", 0, "Calendar month to consolidate (1-12)")
	cmd.Flags().Bool("force", false, "Consolidate even when the month is already marked completed")

	return cmd
}
