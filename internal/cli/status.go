package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/lease"
	"github.com/serieslake-io/serieslake/internal/rowset"
)

type StatusCmd struct{}

func NewStatusCmd() *StatusCmd {
	return &StatusCmd{}
}

func (c *StatusCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <dataset-id>",
		Short: "Show the published version and recent month activity for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			months, err := cmd.Flags().GetInt("months")
			if err != nil {
				return fmt.Errorf("failed to get months flag: %w", err)
			}
			if months < 1 {
				return fmt.Errorf("months must be at least 1")
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

			pointer, _, err := eng.cat.ReadPointer(ctx, ds.ID)
			if err != nil {
				return fmt.Errorf("failed to read pointer: %w", err)
			}
			if pointer == nil {
				fmt.Printf("dataset %q has never published\n", ds.ID)
				return nil
			}

			manifest, err := eng.cat.ReadVersionManifest(ctx, ds.ID, pointer.CurrentVersion)
			if err != nil {
				return fmt.Errorf("failed to read version manifest: %w", err)
			}

			fmt.Println("Dataset:", ds.ID)
			fmt.Println("Current version:", pointer.CurrentVersion)
			if manifest != nil {
				fmt.Println("Rows total:", manifest.Outputs.RowsTotal)
				fmt.Println("Created at:", manifest.CreatedAt)
				fmt.Println("Source:", manifest.Source.URI)
			}
			if eng.locker != nil {
				locked, err := eng.locker.IsLocked(ctx, lease.Key(ds.ID))
				if err != nil {
					return fmt.Errorf("failed to check run lease: %w", err)
				}
				fmt.Println("Run in progress:", locked)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetRowLine(true)
			table.SetHeader([]string{"Month", "Versions", "Consolidation", "Rows", "Series", "Updated At"})

			now := eng.clock.Now().UTC()
			m := rowset.Month{Year: now.Year(), Month: int(now.Month())}
			rows := 0
			for i := 0; i < months; i++ {
				idx, err := eng.cat.ReadMonthIndex(ctx, ds.ID, m)
				if err != nil {
					return fmt.Errorf("failed to read month index for %s: %w", m, err)
				}
				cons, err := eng.consolidator.ReadManifest(ctx, ds.ID, m)
				if err != nil {
					return fmt.Errorf("failed to read consolidation manifest for %s: %w", m, err)
				}

				if len(idx.Versions) > 0 || cons != nil {
					status, consRows, series, updatedAt := "-", "-", "-", "-"
					if cons != nil {
						status = cons.Status
						consRows = fmt.Sprintf("%d", cons.Rows)
						series = fmt.Sprintf("%d", len(cons.Series))
						updatedAt = cons.UpdatedAt
					}
					table.Append([]string{
						m.String(),
						fmt.Sprintf("%d", len(idx.Versions)),
						status,
						consRows,
						series,
						updatedAt,
					})
					rows++
				}

				m.Month--
				if m.Month == 0 {
					m.Month = 12
					m.Year--
				}
			}

			if rows == 0 {
				fmt.Printf("no event activity in the last %d months\n", months)
				return nil
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Int("months", 6, "How many recent calendar months to summarize")

	return cmd
}
