package snapshot

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// CycleRunner runs one snapshot cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, tier, shard int) (CycleResult, error)
}

// Scheduler runs every tier and shard on its own cadence.
type Scheduler struct {
	runner   CycleRunner
	policies []TierPolicy
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. Tiers with a zero cadence are not run.
func NewScheduler(runner CycleRunner, policies []TierPolicy, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		policies: policies,
		logger:   logger.With(slog.String("component", "snapshot_scheduler")),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for tier, p := range s.policies {
		if p.Cadence <= 0 {
			continue
		}
		shards := max(p.Shards, 1)
		for shard := 0; shard < shards; shard++ {
			g.Go(func() error { return s.loop(gctx, tier, shard, p.Cadence) })
		}
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, tier, shard int, cadence time.Duration) error {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	logger := s.logger.With(slog.Int("tier", tier), slog.Int("shard", shard))

	for {
		res, err := s.runner.RunCycle(ctx, tier, shard)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.ErrorContext(ctx, "snapshot cycle failed", slog.String("error", err.Error()))
		case err == nil && res.Instruments > 0:
			logger.InfoContext(ctx, "snapshot cycle complete",
				slog.String("cycle_id", res.ID),
				slog.Int("instruments", res.Instruments),
				slog.Int("snapshots", res.Snapshots),
				slog.Int("invalid", res.Invalid),
				slog.Int("books", res.Books),
				slog.Bool("skipped", res.Skipped),
				slog.Duration("took", res.Took),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
