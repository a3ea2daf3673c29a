// Package snapshot assembles per-tier feature snapshots from the shared
// listing cache, order books and the rolling trade buffer.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// ListingSource fetches the full active listing from upstream.
type ListingSource interface {
	ListActive(ctx context.Context) ([]domain.ListingEntry, error)
}

// Warmer keeps the shared listing cache populated so snapshot cycles never
// call the listing API themselves.
type Warmer struct {
	source ListingSource
	cache  domain.ListingCache
	logger *slog.Logger
}

// NewWarmer creates a Warmer.
func NewWarmer(source ListingSource, cache domain.ListingCache, logger *slog.Logger) *Warmer {
	return &Warmer{
		source: source,
		cache:  cache,
		logger: logger.With(slog.String("component", "cache_warmer")),
	}
}

// Warm fetches the listing once and stores it.
func (w *Warmer) Warm(ctx context.Context) (int, error) {
	entries, err := w.source.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot: warm listing: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	w.cache.SetListing(ctx, entries)
	return len(entries), nil
}

// Run warms immediately and then every interval until ctx is done.
func (w *Warmer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := w.Warm(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.WarnContext(ctx, "listing warm failed", slog.String("error", err.Error()))
		case err == nil:
			w.logger.DebugContext(ctx, "listing warmed", slog.Int("entries", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForListing reads the cached listing. On a miss it waits once for
// wait and retries; a second miss returns domain.ErrCacheEmpty.
func WaitForListing(ctx context.Context, cache domain.ListingCache, wait time.Duration) ([]domain.ListingEntry, error) {
	if entries, ok := cache.GetListing(ctx); ok {
		return entries, nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}

	if entries, ok := cache.GetListing(ctx); ok {
		return entries, nil
	}
	return nil, domain.ErrCacheEmpty
}
