package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/app"
	"github.com/JakeFAU/threadharvest/internal/crawler"
)

func newCrawlCmd() *cobra.Command {
	var (
		force      bool
		scrapeOnly bool
		only       []string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl every configured target, resuming from checkpoints",
		Long: `Crawls the configured targets one after another. Threads already
recorded in a target's checkpoint are never fetched again, and targets
marked complete are skipped unless --force is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			targets, err := selectTargets(rt, only)
			if err != nil {
				return err
			}

			stopMetrics := serveMetrics(cmd.Context(), rt)
			defer stopMetrics()

			return withApp(rt, func(a *app.App) error {
				stats, err := a.Crawl(cmd.Context(), targets, app.CrawlOptions{Force: force, ScrapeOnly: scrapeOnly})
				printStats(cmd, stats)
				if errors.Is(err, context.Canceled) {
					a.Logger().Info("crawl interrupted, progress is checkpointed")
				}
				if err != nil {
					return fmt.Errorf("crawl: %w", err)
				}
				if stats.TargetsFailed > 0 {
					a.Logger().Warn("some targets failed", zap.Int("failed", stats.TargetsFailed))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-crawl targets already marked complete")
	cmd.Flags().BoolVar(&scrapeOnly, "scrape-only", false, "journal threads without chunking or ingesting them")
	cmd.Flags().StringSliceVar(&only, "target", nil, "crawl only these target IDs")
	return cmd
}

func selectTargets(rt *runtime, only []string) ([]crawler.CrawlTarget, error) {
	targets, err := rt.cfg.ResolveTargets()
	if err != nil {
		return nil, err
	}
	if len(only) == 0 {
		return targets, nil
	}
	selected := make([]crawler.CrawlTarget, 0, len(only))
	for _, id := range only {
		target, ok := rt.cfg.Target(id)
		if !ok {
			return nil, fmt.Errorf("unknown target %q", id)
		}
		selected = append(selected, target)
	}
	return selected, nil
}

func printStats(cmd *cobra.Command, stats crawler.RunStats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "targets: %d complete, %d failed, %d skipped\n",
		stats.TargetsCompleted, stats.TargetsFailed, stats.TargetsSkipped)
	fmt.Fprintf(out, "items:   %d scraped, %d already known, %d failed\n",
		stats.ItemsScraped, stats.ItemsSkippedKnown, stats.ItemsFailed)
	fmt.Fprintf(out, "chunks:  %d accepted, %d duplicate\n", stats.ChunksAccepted, stats.ChunksSkipped)
	fmt.Fprintf(out, "batches: %d delivered, %d failed (sink added %d, skipped %d)\n",
		stats.BatchesDelivered, stats.BatchesFailed, stats.SinkAdded, stats.SinkSkipped)
}
