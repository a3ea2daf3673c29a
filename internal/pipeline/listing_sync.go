package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// upsertChunk bounds one UpsertBatch call.
const upsertChunk = 500

// ListingFetcher retrieves listing entries from the listing API.
type ListingFetcher interface {
	ListActive(ctx context.Context) ([]domain.ListingEntry, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.ListingEntry, error)
}

// SyncResult summarises one listing sync.
type SyncResult struct {
	Listed    int
	Refreshed int
	Upserted  int
}

// ListingSync mirrors the listing API into the instrument table so the
// classifier has rows to work on. Instruments that disappear from the
// active listing are looked up by id so their closed and resolved flags
// reach the store.
type ListingSync struct {
	fetcher ListingFetcher
	cache   domain.ListingCache
	store   domain.InstrumentStore
	logger  *slog.Logger
}

// NewListingSync creates a ListingSync. cache may be nil.
func NewListingSync(fetcher ListingFetcher, cache domain.ListingCache, store domain.InstrumentStore, logger *slog.Logger) *ListingSync {
	return &ListingSync{
		fetcher: fetcher,
		cache:   cache,
		store:   store,
		logger:  logger.With(slog.String("component", "listing_sync")),
	}
}

// Run executes a single sync.
func (s *ListingSync) Run(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	entries, err := s.listing(ctx)
	if err != nil {
		return res, err
	}
	res.Listed = len(entries)

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.ID] = struct{}{}
	}

	known, err := s.store.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("pipeline: list active instruments: %w", err)
	}
	var missing []string
	for _, in := range known {
		if _, ok := seen[in.ID]; !ok {
			missing = append(missing, in.ID)
		}
	}
	if len(missing) > 0 {
		refreshed, err := s.fetcher.GetByIDs(ctx, missing)
		if err != nil {
			s.logger.WarnContext(ctx, "refresh of delisted instruments failed",
				slog.Int("missing", len(missing)),
				slog.String("error", err.Error()),
			)
		} else {
			entries = append(entries, refreshed...)
			res.Refreshed = len(refreshed)
		}
	}

	instruments := make([]domain.Instrument, 0, len(entries))
	for _, e := range entries {
		instruments = append(instruments, e.ToInstrument())
	}
	for start := 0; start < len(instruments); start += upsertChunk {
		end := min(start+upsertChunk, len(instruments))
		if err := s.store.UpsertBatch(ctx, instruments[start:end]); err != nil {
			return res, fmt.Errorf("pipeline: upsert %d instruments at %d: %w", end-start, start, err)
		}
		res.Upserted += end - start
	}

	s.logger.InfoContext(ctx, "listing sync complete",
		slog.Int("listed", res.Listed),
		slog.Int("refreshed", res.Refreshed),
		slog.Int("upserted", res.Upserted),
	)
	return res, nil
}

// listing prefers the warm cache and falls back to the API.
func (s *ListingSync) listing(ctx context.Context) ([]domain.ListingEntry, error) {
	if s.cache != nil {
		if entries, ok := s.cache.GetListing(ctx); ok {
			return entries, nil
		}
	}
	entries, err := s.fetcher.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetch listing: %w", err)
	}
	if s.cache != nil && len(entries) > 0 {
		s.cache.SetListing(ctx, entries)
	}
	return entries, nil
}

// RunLoop syncs immediately and then every interval until ctx is done.
func (s *ListingSync) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "listing sync failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
