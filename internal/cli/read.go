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
	"github.com/serieslake-io/serieslake/internal/reader"
)

type ReadCmd struct{}

func NewReadCmd() *ReadCmd {
	return &ReadCmd{}
}

func (c *ReadCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <dataset-id>",
		Short: "Query a dataset's published event files with DuckDB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlText, err := cmd.Flags().GetString("sql")
			if err != nil {
				return fmt.Errorf("failed to get sql flag: %w", err)
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("failed to get limit flag: %w", err)
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

			rd, err := reader.New(reader.Config{
				Logger:  log,
				Catalog: eng.cat,
				Bucket:  app.DataBucket,
				S3: reader.S3Options{
					AccessKeyID:     app.AccessKeyID,
					SecretAccessKey: app.SecretAccessKey,
					Endpoint:        app.S3Endpoint,
					Region:          app.AWSRegion,
				},
			})
			if err != nil {
				return fmt.Errorf("failed to create reader: %w", err)
			}

			res, err := rd.Query(ctx, ds.ID, reader.QueryOptions{SQL: sqlText, Limit: limit})
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetAutoFormatHeaders(false)
			table.SetBorder(true)
			table.SetRowLine(true)
			table.SetHeader(res.Columns)
			for _, row := range res.Rows {
				table.Append(row)
			}
			table.Render()

			fmt.Printf("%d rows\n", len(res.Rows))
			return nil
		},
	}

	cmd.Flags().String("sql", "", "SQL to run; the published event files are exposed as the events view")
	cmd.Flags().Int("limit", reader.DefaultLimit, "Row cap for the default preview query (ignored when --sql is set)")

	return cmd
}
