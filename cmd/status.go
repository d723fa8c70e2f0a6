package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/threadharvest/internal/app"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint progress and the hash index size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return withApp(rt, func(a *app.App) error {
				status, err := a.Status(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TARGET\tSTATUS\tCURSOR\tITEMS\tUPDATED")
				for _, rec := range status.Checkpoints {
					updated := "-"
					if !rec.UpdatedAt.IsZero() {
						updated = rec.UpdatedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", rec.TargetID, rec.Status, rec.Cursor, rec.ItemsDone, updated)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "content fingerprints: %d\n", status.Fingerprints)
				return nil
			})
		},
	}
}
