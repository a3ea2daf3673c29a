package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycollector/internal/config"
	"github.com/alanyoungcy/polycollector/internal/pipeline"
	"github.com/alanyoungcy/polycollector/internal/snapshot"
	"github.com/alanyoungcy/polycollector/internal/stream"
	"github.com/alanyoungcy/polycollector/internal/tier"
)

// alertWhaleTier is the lowest whale tier relayed to chat channels.
const alertWhaleTier = 3

// StreamMode runs the realtime collector and the whale alert relay.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startStream(ctx, g, deps); err != nil {
		return fmt.Errorf("stream mode: %w", err)
	}
	return g.Wait()
}

// PollMode runs the listing warmer, the tier reclassifier, the listing sync
// and the per-tier snapshot scheduler.
func (a *App) PollMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting poll mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startPoll(ctx, g, deps); err != nil {
		return fmt.Errorf("poll mode: %w", err)
	}
	a.startPipeline(ctx, g, deps, true, false)
	return g.Wait()
}

// ArchiveMode runs only the cold-storage export on its cron schedule.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver not configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps, false, true)
	return g.Wait()
}

// FullMode runs every subsystem in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startStream(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := a.startPoll(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startPipeline(ctx, g, deps, true, deps.Archiver != nil)
	return g.Wait()
}

func (a *App) startStream(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	whales, err := stream.NewWhaleClassifier(a.cfg.Whale.Thresholds)
	if err != nil {
		return err
	}
	handler := stream.NewHandler(stream.HandlerDeps{
		Buffer:       deps.Buffer,
		Trades:       deps.Trades,
		Books:        deps.Books,
		Prices:       deps.Prices,
		Bus:          deps.Bus,
		Whales:       whales,
		WhaleChannel: a.cfg.Whale.Channel,
		WhaleStream:  a.cfg.Whale.Stream,
	}, a.logger)

	collector, err := stream.NewCollector(streamConfig(a.cfg), deps.Instruments, handler, a.logger)
	if err != nil {
		return err
	}
	g.Go(func() error { return collector.Run(ctx) })

	if deps.Notifier.Enabled() {
		g.Go(func() error {
			err := deps.Notifier.RelayWhales(ctx, deps.Bus, a.cfg.Whale.Channel, alertWhaleTier)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Alerts are best effort; the collector keeps running.
			a.logger.ErrorContext(ctx, "whale relay stopped", slog.String("error", errString(err)))
			return nil
		})
	}
	return nil
}

func (a *App) startPoll(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	classifier, err := tier.NewClassifier(a.cfg.Tiers.TierBoundaries())
	if err != nil {
		return err
	}
	reclassifier := tier.NewReclassifier(classifier, deps.Instruments, deps.Locks, a.cfg.Tiers.VolumeFloor, a.logger)
	g.Go(func() error { return reclassifier.Run(ctx, a.cfg.Tiers.Reclassify.Duration) })

	warmer := snapshot.NewWarmer(deps.Gamma, deps.Listing, a.logger)
	g.Go(func() error { return warmer.Run(ctx, a.cfg.Buffer.WarmInterval.Duration) })

	policies := tierPolicies(a.cfg.Tiers.Policies)
	assembler := snapshot.NewAssembler(snapshot.Config{
		Policies:       policies,
		BookWorkers:    a.cfg.Snapshot.BookWorkers,
		MetricsWorkers: a.cfg.Snapshot.MetricsWorkers,
		CycleBudget:    a.cfg.Snapshot.CycleBudget.Duration,
		ListingWait:    a.cfg.Buffer.ListingWait.Duration,
		LiveBookMaxAge: a.cfg.Snapshot.LiveBookMaxAge.Duration,
		Merge: snapshot.MergeConfig{
			MaxSpread:    a.cfg.Snapshot.MaxSpread,
			MaxClockSkew: a.cfg.Snapshot.MaxClockSkew.Duration,
		},
	}, snapshot.Deps{
		Instruments: deps.Instruments,
		Snapshots:   deps.Snapshots,
		Listing:     deps.Listing,
		Trades:      deps.Buffer,
		Books:       deps.Books,
		Clob:        deps.Clob,
	}, a.logger)
	scheduler := snapshot.NewScheduler(assembler, policies, a.logger)
	g.Go(func() error { return scheduler.Run(ctx) })
	return nil
}

func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, sync, archive bool) {
	var listingSync *pipeline.ListingSync
	if sync {
		listingSync = pipeline.NewListingSync(deps.Gamma, deps.Listing, deps.Instruments, a.logger)
	}
	var archiver *pipeline.Archiver
	if archive {
		archiver = pipeline.NewArchiver(deps.Archiver, deps.Locks, a.cfg.Archive.RetentionDays, a.logger)
	}
	orch := pipeline.NewOrchestrator(
		listingSync,
		archiver,
		a.cfg.Polymarket.ListingSync.Duration,
		a.cfg.Archive.Cron,
		a.logger,
	)
	g.Go(func() error {
		if err := orch.Run(ctx); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func streamConfig(cfg *config.Config) stream.Config {
	s := cfg.Stream
	return stream.Config{
		URL:              cfg.Polymarket.WsHost,
		Connections:      s.MaxConnections,
		MaxSubscriptions: s.MaxSubscriptions,
		MinTier:          cfg.Tiers.RealtimeMin,
		RefreshInterval:  s.RefreshInterval.Duration,
		StatsInterval:    s.StatsInterval.Duration,
		HealthInterval:   s.HealthInterval.Duration,
		StaleThreshold:   s.StaleThreshold.Duration,
		MinTradesPer5m:   s.MinTradesPer5m,
		RateCheckMinSubs: s.RateCheckMinSubs,
		StaggerOffset:    s.StaggerOffset.Duration,
		ReconnectBase:    s.ReconnectBase.Duration,
		ReconnectMax:     s.ReconnectMax.Duration,
	}
}

func tierPolicies(in []config.TierPolicy) []snapshot.TierPolicy {
	out := make([]snapshot.TierPolicy, len(in))
	for i, p := range in {
		out[i] = snapshot.TierPolicy{
			Cadence:   p.Cadence.Duration,
			Orderbook: p.Orderbook,
			Metrics:   p.Metrics,
			Shards:    p.Shards,
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
