package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

const listingKey = "listing:all"

// ListingCache implements domain.ListingCache as a single JSON string with
// a short TTL. Many tier cycles read it; only the warmer writes it.
type ListingCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewListingCache creates a ListingCache whose entries expire after ttl.
func NewListingCache(c *Client, ttl time.Duration) *ListingCache {
	return &ListingCache{
		rdb:    c.Underlying(),
		ttl:    ttl,
		logger: c.componentLogger("listing_cache"),
	}
}

// SetListing replaces the cached listing. Failures are logged and dropped.
func (lc *ListingCache) SetListing(ctx context.Context, entries []domain.ListingEntry) {
	data, err := json.Marshal(entries)
	if err != nil {
		lc.logger.ErrorContext(ctx, "marshal listing", slog.String("error", err.Error()))
		return
	}
	if err := lc.rdb.Set(ctx, listingKey, data, lc.ttl).Err(); err != nil {
		lc.logger.WarnContext(ctx, "listing write dropped", slog.String("error", err.Error()))
	}
}

// GetListing returns the cached listing. Expiry, a Redis error and an
// undecodable payload all read as a miss.
func (lc *ListingCache) GetListing(ctx context.Context) ([]domain.ListingEntry, bool) {
	data, err := lc.rdb.Get(ctx, listingKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			lc.logger.WarnContext(ctx, "listing read failed, treating as miss", slog.String("error", err.Error()))
		}
		return nil, false
	}

	var entries []domain.ListingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		lc.logger.WarnContext(ctx, "listing payload corrupt, treating as miss", slog.String("error", err.Error()))
		return nil, false
	}
	if len(entries) == 0 {
		return nil, false
	}
	return entries, true
}

// Compile-time interface check.
var _ domain.ListingCache = (*ListingCache)(nil)
