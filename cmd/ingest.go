package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/threadharvest/internal/app"
)

func newIngestCmd() *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Push an existing thread CSV through the chunk pipeline",
		Long: `Reads a CSV with at least url, title and content columns (the crawl
journal qualifies) and chunks, deduplicates and delivers every row. Rows
with empty content are skipped. Replaying a file adds nothing new.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if csvPath == "" {
				return errors.New("--csv is required")
			}
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			stopMetrics := serveMetrics(cmd.Context(), rt)
			defer stopMetrics()

			return withApp(rt, func(a *app.App) error {
				stats, err := a.Ingest(cmd.Context(), csvPath)
				printStats(cmd, stats)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", csvPath, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file to ingest")
	return cmd
}
