package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
	"github.com/alanyoungcy/polycollector/internal/resilience"
)

// idChunk bounds how many ids are sent in one /markets?id=... lookup.
const idChunk = 50

// GammaClient is the listing client for the Polymarket Gamma API. All calls
// go through the resilient client for the gamma upstream.
type GammaClient struct {
	rc       *resilience.Client
	pageSize int
	maxPages int
	logger   *slog.Logger
	now      func() time.Time
}

// NewGammaClient creates a listing client. pageSize and maxPages bound the
// pagination of ListActive.
func NewGammaClient(rc *resilience.Client, pageSize, maxPages int, logger *slog.Logger) *GammaClient {
	if pageSize <= 0 {
		pageSize = 500
	}
	if maxPages <= 0 {
		maxPages = 40
	}
	return &GammaClient{
		rc:       rc,
		pageSize: pageSize,
		maxPages: maxPages,
		logger:   logger.With(slog.String("component", "gamma")),
		now:      time.Now,
	}
}

// ListActive returns every open market. Pagination stops at an empty or
// short page, or after maxPages pages.
func (g *GammaClient) ListActive(ctx context.Context) ([]domain.ListingEntry, error) {
	var (
		out     []domain.ListingEntry
		skipped int
	)
	for page := 0; page < g.maxPages; page++ {
		params := url.Values{}
		params.Set("active", "true")
		params.Set("closed", "false")
		params.Set("limit", strconv.Itoa(g.pageSize))
		params.Set("offset", strconv.Itoa(page*g.pageSize))

		var markets []APIMarket
		if err := g.rc.GetJSON(ctx, "/markets", params, &markets); err != nil {
			return nil, fmt.Errorf("polymarket/gamma: list page %d: %w", page, err)
		}

		fetched := g.now().UTC()
		for i := range markets {
			e, ok := markets[i].ToListingEntry(fetched)
			if !ok {
				skipped++
				continue
			}
			out = append(out, e)
		}

		if len(markets) < g.pageSize {
			if skipped > 0 {
				g.logger.DebugContext(ctx, "skipped listing entries without two tokens", slog.Int("count", skipped))
			}
			return out, nil
		}
	}

	g.logger.WarnContext(ctx, "listing pagination hit page cap",
		slog.Int("max_pages", g.maxPages),
		slog.Int("entries", len(out)),
	)
	return out, nil
}

// GetByIDs looks up specific markets regardless of their active flag. It is
// used to learn the closed/resolved state of instruments that dropped out of
// the active listing.
func (g *GammaClient) GetByIDs(ctx context.Context, ids []string) ([]domain.ListingEntry, error) {
	var out []domain.ListingEntry
	for start := 0; start < len(ids); start += idChunk {
		end := min(start+idChunk, len(ids))
		params := url.Values{}
		for _, id := range ids[start:end] {
			params.Add("id", id)
		}
		params.Set("limit", strconv.Itoa(end-start))

		var markets []APIMarket
		if err := g.rc.GetJSON(ctx, "/markets", params, &markets); err != nil {
			return nil, fmt.Errorf("polymarket/gamma: get by ids: %w", err)
		}
		fetched := g.now().UTC()
		for i := range markets {
			if e, ok := markets[i].ToListingEntry(fetched); ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
