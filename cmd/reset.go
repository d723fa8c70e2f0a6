package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/threadharvest/internal/app"
	"github.com/JakeFAU/threadharvest/internal/checkpoint"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <target-id>...",
		Short: "Delete the checkpoint of one or more targets",
		Long: `Deletes target checkpoints so the next crawl starts from the first
listing page. The content hash index is left alone, so re-extracted threads
do not produce duplicate chunks.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return withApp(rt, func(a *app.App) error {
				var unknown []string
				for _, id := range args {
					err := a.Reset(cmd.Context(), id)
					switch {
					case errors.Is(err, checkpoint.ErrNoCheckpoint):
						fmt.Fprintf(cmd.ErrOrStderr(), "no checkpoint for %s\n", id)
						unknown = append(unknown, id)
					case err != nil:
						return err
					default:
						fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
					}
				}
				if len(unknown) > 0 {
					return fmt.Errorf("%w: %s", checkpoint.ErrNoCheckpoint, strings.Join(unknown, ", "))
				}
				return nil
			})
		},
	}
}
