package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/threadharvest/internal/metrics"
)

// State is a step of the per-target crawl state machine.
type State int

// Controller states. Complete and Failed are terminal.
const (
	StateIdle State = iota
	StateListingPage
	StateExtractItem
	StateExpandPagination
	StateCheckpointing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListingPage:
		return "listing_page"
	case StateExtractItem:
		return "extract_item"
	case StateExpandPagination:
		return "expand_pagination"
	case StateCheckpointing:
		return "checkpointing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ControllerConfig holds the run-wide settings consumed by the controller.
type ControllerConfig struct {
	// MinDelay and MaxDelay bound the randomized pause before each item fetch.
	MinDelay time.Duration
	MaxDelay time.Duration
	// DefaultMaxItems applies to targets without their own budget.
	DefaultMaxItems int
	// Force re-crawls targets whose checkpoint is already complete.
	Force bool
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryPolicy overrides the default exponential retry policy.
func WithRetryPolicy(policy RetryPolicy) ControllerOption {
	return func(c *Controller) {
		if policy != nil {
			c.retry = policy
		}
	}
}

// WithJournal makes the controller journal every extracted item before
// recording it.
func WithJournal(journal ItemJournal) ControllerOption {
	return func(c *Controller) {
		c.journal = journal
	}
}

func withPauseController(p pauseController) ControllerOption {
	return func(c *Controller) {
		c.pause = p
	}
}

// Controller drives targets through the crawl state machine. It is not safe
// for concurrent use; targets and items are processed strictly in order.
type Controller struct {
	cfg       ControllerConfig
	extractor Extractor
	store     CheckpointStore
	handler   ItemHandler
	journal   ItemJournal
	retry     RetryPolicy
	pause     pauseController
	delay     delayPolicy
	logger    *zap.Logger
}

// NewController wires a controller. A nil handler discards items, which is
// how scrape-only runs are expressed.
func NewController(
	cfg ControllerConfig,
	extractor Extractor,
	store CheckpointStore,
	handler ItemHandler,
	opts ...ControllerOption,
) (*Controller, error) {
	if extractor == nil {
		return nil, errors.New("crawler: extractor is required")
	}
	if store == nil {
		return nil, errors.New("crawler: checkpoint store is required")
	}
	if cfg.MinDelay < 0 || cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("crawler: invalid delay bounds %s..%s", cfg.MinDelay, cfg.MaxDelay)
	}
	if handler == nil {
		handler = discardHandler{}
	}
	c := &Controller{
		cfg:       cfg,
		extractor: extractor,
		store:     store,
		handler:   handler,
		retry:     NewExponentialRetryPolicy(RetryConfig{}),
		pause:     &timerPauseController{},
		delay:     delayPolicy{min: cfg.MinDelay, max: cfg.MaxDelay},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("controller")
	return c, nil
}

// Run crawls targets one after another. A target ending in Failed is counted
// and the run moves on; state persistence errors and cancellation stop the
// run and are returned alongside the statistics gathered so far.
func (c *Controller) Run(ctx context.Context, targets []CrawlTarget) (RunStats, error) {
	var total RunStats
	if err := c.Preload(ctx, targets); err != nil {
		return total, err
	}
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		stats, err := c.CrawlTarget(ctx, target)
		total.Add(stats)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTargetFailed) {
			c.logger.Error("target failed", zap.String("target", target.ID), zap.Error(err))
			continue
		}
		return total, err
	}
	return total, nil
}

// Preload reads every target's checkpoint so unreadable state surfaces
// before any target is crawled.
func (c *Controller) Preload(ctx context.Context, targets []CrawlTarget) error {
	for _, target := range targets {
		if _, err := c.store.Load(ctx, target.ID); err != nil {
			return fmt.Errorf("load checkpoint %s: %w", target.ID, err)
		}
	}
	return nil
}

// targetRun is the mutable state of one target while it moves through the
// state machine.
type targetRun struct {
	target  CrawlTarget
	budget  int
	cursor  int
	done    int
	page    ListingPage
	hasMore bool
	stats   RunStats

	// listed holds every item ID returned by listing pages in this run; fresh
	// counts the IDs on the current page that were not in it before.
	listed map[string]struct{}
	fresh  int
}

// observe records the page's item IDs and counts the ones no earlier page in
// this run returned.
func (r *targetRun) observe(page ListingPage) {
	r.page = page
	r.fresh = 0
	for _, ref := range page.Items {
		id := CanonicalID(ref.ID)
		if id == "" {
			continue
		}
		if _, ok := r.listed[id]; ok {
			continue
		}
		r.listed[id] = struct{}{}
		r.fresh++
	}
}

func (r *targetRun) budgetLeft() bool {
	return r.done < r.budget
}

// CrawlTarget runs a single target to Complete or Failed.
func (c *Controller) CrawlTarget(ctx context.Context, target CrawlTarget) (RunStats, error) {
	logger := c.logger.With(zap.String("target", target.ID))

	record, err := c.store.Load(ctx, target.ID)
	if err != nil {
		return RunStats{}, fmt.Errorf("load checkpoint %s: %w", target.ID, err)
	}
	if record.Complete() {
		if !c.cfg.Force {
			logger.Info("target already complete, skipping", zap.Int("items_done", record.ItemsDone))
			metrics.ObserveTarget("skipped")
			return RunStats{TargetsSkipped: 1}, nil
		}
		if err := c.store.Reopen(ctx, target.ID); err != nil {
			return RunStats{}, fmt.Errorf("reopen checkpoint %s: %w", target.ID, err)
		}
		if record, err = c.store.Load(ctx, target.ID); err != nil {
			return RunStats{}, fmt.Errorf("reload checkpoint %s: %w", target.ID, err)
		}
		logger.Info("re-crawling completed target", zap.Int("items_done", record.ItemsDone))
	}

	run := &targetRun{
		target: target,
		budget: target.MaxItems,
		cursor: record.Cursor,
		done:   record.ItemsDone,
		listed: make(map[string]struct{}),
	}
	if run.budget <= 0 {
		run.budget = c.cfg.DefaultMaxItems
	}
	logger.Info("crawl starting",
		zap.Int("cursor", run.cursor),
		zap.Int("items_done", run.done),
		zap.Int("budget", run.budget),
	)

	state := StateIdle
	var runErr error
	for state != StateComplete && state != StateFailed {
		logger.Debug("state", zap.Stringer("state", state), zap.Int("cursor", run.cursor))
		state, runErr = c.step(ctx, state, run, logger)
		if runErr != nil && state != StateFailed {
			// Cancellation or a state I/O error: stop without marking the
			// target, the checkpoint stays resumable.
			return run.stats, runErr
		}
	}

	if state == StateFailed {
		run.stats.TargetsFailed++
		metrics.ObserveTarget("failed")
		return run.stats, fmt.Errorf("%w: %s: %w", ErrTargetFailed, target.ID, runErr)
	}
	run.stats.TargetsCompleted++
	metrics.ObserveTarget("complete")
	logger.Info("crawl complete", zap.Int("items_done", run.done))
	return run.stats, nil
}

func (c *Controller) step(ctx context.Context, state State, run *targetRun, logger *zap.Logger) (State, error) {
	switch state {
	case StateIdle:
		if !run.budgetLeft() {
			return StateCheckpointing, nil
		}
		return StateListingPage, nil

	case StateListingPage:
		if err := ctx.Err(); err != nil {
			return state, c.suspend(ctx, err)
		}
		page, err := retryFetch(ctx, c, &run.stats, func(ctx context.Context) (ListingPage, error) {
			return c.extractor.Listing(ctx, run.target, run.cursor)
		})
		if err != nil {
			if ctx.Err() != nil {
				return state, c.suspend(ctx, ctx.Err())
			}
			if run.cursor > 0 && endOfListing(err) {
				logger.Info("listing ended", zap.Int("cursor", run.cursor), zap.Error(err))
				run.hasMore = false
				return StateCheckpointing, nil
			}
			logger.Error("listing page unreachable", zap.Int("cursor", run.cursor), zap.Error(err))
			return StateFailed, err
		}
		run.observe(page)
		run.stats.ListingPages++
		metrics.ObserveListingPage(run.target.ID)
		logger.Info("listing page", zap.Int("cursor", run.cursor), zap.Int("items", len(page.Items)))
		return StateExtractItem, nil

	case StateExtractItem:
		if err := c.extractPage(ctx, run, logger); err != nil {
			return state, err
		}
		return StateExpandPagination, nil

	case StateExpandPagination:
		// A page that only repeats earlier pages means the archive ignores the
		// cursor or serves its last page again.
		run.hasMore = run.page.HasNext && run.fresh > 0 && run.budgetLeft()
		if run.page.HasNext && len(run.page.Items) > 0 && run.fresh == 0 {
			logger.Info("listing repeats earlier pages, pagination ended", zap.Int("cursor", run.cursor))
		}
		return StateCheckpointing, nil

	case StateCheckpointing:
		if err := c.handler.Flush(context.WithoutCancel(ctx)); err != nil {
			return state, fmt.Errorf("flush handler: %w", err)
		}
		if run.hasMore {
			next := run.cursor + 1
			if err := c.store.AdvanceCursor(ctx, run.target.ID, next); err != nil {
				return state, fmt.Errorf("advance cursor: %w", err)
			}
			run.cursor = next
			run.hasMore = false
			return StateListingPage, nil
		}
		if err := c.store.MarkComplete(ctx, run.target.ID); err != nil {
			return state, fmt.Errorf("mark complete: %w", err)
		}
		return StateComplete, nil
	}
	return StateFailed, fmt.Errorf("unexpected state %s", state)
}

// extractPage processes the current page's items strictly in order.
// Cancellation is honored only between items.
func (c *Controller) extractPage(ctx context.Context, run *targetRun, logger *zap.Logger) error {
	for i, ref := range run.page.Items {
		if err := ctx.Err(); err != nil {
			return c.suspend(ctx, err)
		}
		if !run.budgetLeft() {
			logger.Info("item budget exhausted", zap.Int("budget", run.budget))
			return nil
		}
		id := CanonicalID(ref.ID)
		if id == "" {
			run.stats.ItemsFailed++
			metrics.ObserveItem(run.target.ID, "failed")
			logger.Warn("listing entry without id", zap.Int("position", i))
			continue
		}
		if c.store.IsKnown(run.target.ID, id) {
			run.stats.ItemsSkippedKnown++
			metrics.ObserveItem(run.target.ID, "known")
			continue
		}

		c.pause.Pause(ctx, c.delay.Next())
		if err := ctx.Err(); err != nil {
			return c.suspend(ctx, err)
		}

		ref.ID = id
		if err := c.processItem(context.WithoutCancel(ctx), run, ref, logger); err != nil {
			return err
		}
	}
	return nil
}

// processItem extracts, journals, hands off and records one item. A returned
// error is a state I/O failure; per-item extraction failures are counted and
// swallowed here.
func (c *Controller) processItem(ctx context.Context, run *targetRun, ref ItemRef, logger *zap.Logger) error {
	item, err := retryFetch(ctx, c, &run.stats, func(ctx context.Context) (RawItem, error) {
		return c.extractor.Item(ctx, run.target, ref)
	})
	if err == nil {
		item = fillItem(item, run.target, ref)
		err = item.Validate()
	}
	if err != nil {
		run.stats.ItemsFailed++
		metrics.ObserveItem(run.target.ID, "failed")
		logger.Warn("item skipped", zap.String("item", ref.ID), zap.Error(err))
		return nil
	}

	if c.journal != nil {
		if err := c.journal.Append(item); err != nil {
			return fmt.Errorf("journal item %s: %w", item.ID, err)
		}
	}
	if err := c.handler.HandleItem(ctx, item); err != nil {
		return fmt.Errorf("handle item %s: %w", item.ID, err)
	}
	if err := c.store.RecordItem(ctx, run.target.ID, item.ID); err != nil {
		return fmt.Errorf("record item %s: %w", item.ID, err)
	}
	run.done++
	run.stats.ItemsScraped++
	metrics.ObserveItem(run.target.ID, "scraped")
	logger.Debug("item recorded", zap.String("item", item.ID), zap.Int("items_done", run.done))
	return nil
}

// endOfListing reports whether a listing error is a permanent client error,
// which past the first page means the archive has no more pages.
func endOfListing(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.Code >= http.StatusBadRequest && statusErr.Code < http.StatusInternalServerError && !statusErr.Temporary()
}

// suspend flushes buffered output before the controller stops on cause.
func (c *Controller) suspend(ctx context.Context, cause error) error {
	if err := c.handler.Flush(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(cause, fmt.Errorf("flush handler: %w", err))
	}
	return cause
}

func retryFetch[T any](ctx context.Context, c *Controller, stats *RunStats, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return result, err
		}
		stats.FetchRetries++
		metrics.ObserveFetchRetry()
		backoff := c.retry.Backoff(attempt)
		c.logger.Debug("retrying fetch",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		c.pause.Pause(ctx, backoff)
		if ctx.Err() != nil {
			return result, err
		}
	}
}

// fillItem backfills identity and listing hints the extractor left empty.
func fillItem(item RawItem, target CrawlTarget, ref ItemRef) RawItem {
	item.ID = ref.ID
	item.TargetID = target.ID
	if strings.TrimSpace(item.Title) == "" {
		item.Title = ref.Title
	}
	if strings.TrimSpace(item.Date) == "" {
		item.Date = ref.Date
	}
	return item
}

type discardHandler struct{}

func (discardHandler) HandleItem(context.Context, RawItem) error { return nil }
func (discardHandler) Flush(context.Context) error               { return nil }

// LogSummary writes the end-of-run statistics.
func LogSummary(logger *zap.Logger, stats RunStats) {
	if logger == nil {
		return
	}
	logger.Info("run summary",
		zap.Int("targets_completed", stats.TargetsCompleted),
		zap.Int("targets_failed", stats.TargetsFailed),
		zap.Int("targets_skipped", stats.TargetsSkipped),
		zap.Int("listing_pages", stats.ListingPages),
		zap.Int("items_scraped", stats.ItemsScraped),
		zap.Int("items_skipped_known", stats.ItemsSkippedKnown),
		zap.Int("items_failed", stats.ItemsFailed),
		zap.Int("fetch_retries", stats.FetchRetries),
		zap.Int("chunks_accepted", stats.ChunksAccepted),
		zap.Int("chunks_skipped", stats.ChunksSkipped),
		zap.Int("batches_delivered", stats.BatchesDelivered),
		zap.Int("batches_failed", stats.BatchesFailed),
		zap.Int("sink_added", stats.SinkAdded),
		zap.Int("sink_skipped", stats.SinkSkipped),
	)
}
