package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the background data jobs: listing sync on a ticker and
// cold-storage archival on a cron schedule. Either job may be nil.
type Orchestrator struct {
	listingSync  *ListingSync
	archiver     *Archiver
	syncInterval time.Duration
	archiveCron  string
	logger       *slog.Logger
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	listingSync *ListingSync,
	archiver *Archiver,
	syncInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		listingSync:  listingSync,
		archiver:     archiver,
		syncInterval: syncInterval,
		archiveCron:  archiveCron,
		logger:       logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts every configured job and blocks until ctx is cancelled or one
// job fails with a non-context error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline orchestrator starting",
		slog.Bool("listing_sync", o.listingSync != nil),
		slog.Duration("sync_interval", o.syncInterval),
		slog.Bool("archive", o.archiver != nil),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.listingSync != nil {
		g.Go(func() error {
			err := o.listingSync.RunLoop(ctx, o.syncInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("listing sync: %w", err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
