package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// BookSource fetches an order book from the CLOB API.
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
}

// TierPolicy is what a tier collects and how often.
type TierPolicy struct {
	Cadence   time.Duration
	Orderbook bool
	Metrics   bool
	Shards    int
}

// Config controls the assembler.
type Config struct {
	Policies       []TierPolicy // indexed by tier
	BookWorkers    int
	MetricsWorkers int
	CycleBudget    time.Duration
	ListingWait    time.Duration
	LiveBookMaxAge time.Duration
	Merge          MergeConfig
}

// Deps are the stores, caches and upstreams the assembler reads and writes.
type Deps struct {
	Instruments domain.InstrumentStore
	Snapshots   domain.SnapshotStore
	Listing     domain.ListingCache
	Trades      domain.TradeBuffer
	Books       domain.BookCache
	Clob        BookSource
}

// CycleResult summarises one cycle.
type CycleResult struct {
	ID          string
	Tier        int
	Shard       int
	Instruments int
	Snapshots   int
	Invalid     int
	Books       int
	Skipped     bool
	Took        time.Duration
}

// Assembler runs snapshot cycles.
type Assembler struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewAssembler creates an Assembler.
func NewAssembler(cfg Config, deps Deps, logger *slog.Logger) *Assembler {
	if cfg.BookWorkers <= 0 {
		cfg.BookWorkers = 1
	}
	if cfg.MetricsWorkers <= 0 {
		cfg.MetricsWorkers = 1
	}
	return &Assembler{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "snapshot_assembler")),
		now:    time.Now,
	}
}

// Policy returns the policy for tier, or a zero policy for unknown tiers.
func (a *Assembler) Policy(tier int) TierPolicy {
	if tier < 0 || tier >= len(a.cfg.Policies) {
		return TierPolicy{}
	}
	return a.cfg.Policies[tier]
}

// InShard reports whether id belongs to shard out of shards.
func InShard(id string, shard, shards int) bool {
	if shards <= 1 {
		return true
	}
	return xxhash.Sum64String(id)%uint64(shards) == uint64(shard)
}

// RunCycle snapshots every active instrument of tier in shard.
func (a *Assembler) RunCycle(ctx context.Context, tier, shard int) (CycleResult, error) {
	start := a.now()
	policy := a.Policy(tier)
	res := CycleResult{ID: uuid.NewString(), Tier: tier, Shard: shard}

	all, err := a.deps.Instruments.ListByTier(ctx, tier)
	if err != nil {
		return res, fmt.Errorf("snapshot: list tier %d: %w", tier, err)
	}
	var instruments []domain.Instrument
	for _, in := range all {
		if in.Schedulable() && InShard(in.ID, shard, policy.Shards) {
			instruments = append(instruments, in)
		}
	}
	res.Instruments = len(instruments)
	if len(instruments) == 0 {
		return res, nil
	}

	listing, err := WaitForListing(ctx, a.deps.Listing, a.cfg.ListingWait)
	if err != nil {
		if errors.Is(err, domain.ErrCacheEmpty) {
			res.Skipped = true
			a.logger.WarnContext(ctx, "listing cache empty, skipping cycle", slog.Int("tier", tier))
			return res, nil
		}
		return res, fmt.Errorf("snapshot: read listing: %w", err)
	}
	byID := make(map[string]domain.ListingEntry, len(listing))
	for _, e := range listing {
		byID[e.ID] = e
	}

	fanCtx := ctx
	if a.cfg.CycleBudget > 0 {
		var cancel context.CancelFunc
		fanCtx, cancel = context.WithTimeout(ctx, a.cfg.CycleBudget)
		defer cancel()
	}

	var books []*domain.OrderBook
	var fromClob []bool
	if policy.Orderbook {
		books, fromClob = a.fetchBooks(fanCtx, instruments)
	}
	var trades [][]domain.BufferedTrade
	if policy.Metrics {
		trades = a.collectTrades(fanCtx, instruments)
	}

	capturedAt := start.UTC()
	snaps := make([]domain.Snapshot, 0, len(instruments))
	ids := make([]string, 0, len(instruments))
	var fetched []domain.OrderBook
	for i, in := range instruments {
		entry, ok := byID[in.ID]
		if !ok {
			res.Invalid++
			a.logger.DebugContext(ctx, "instrument missing from listing", slog.String("instrument_id", in.ID))
			continue
		}
		mi := MergeInput{
			Instrument: in,
			Listing:    entry,
			Metrics:    policy.Metrics,
			CapturedAt: capturedAt,
			Now:        a.now(),
		}
		if books != nil {
			mi.Book = books[i]
		}
		if trades != nil {
			mi.Trades = trades[i]
		}
		snap, err := Merge(mi, a.cfg.Merge)
		if err != nil {
			res.Invalid++
			a.logger.WarnContext(ctx, "dropping invalid snapshot",
				slog.String("instrument_id", in.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		snaps = append(snaps, snap)
		ids = append(ids, in.ID)
		if mi.Book != nil && fromClob[i] {
			fetched = append(fetched, *mi.Book)
		}
	}

	if err := a.deps.Snapshots.InsertCycle(ctx, snaps, fetched); err != nil {
		return res, fmt.Errorf("snapshot: persist tier %d: %w", tier, err)
	}
	if len(ids) > 0 {
		if err := a.deps.Instruments.MarkSnapshotted(ctx, ids, capturedAt); err != nil {
			a.logger.WarnContext(ctx, "mark snapshotted failed", slog.String("error", err.Error()))
		}
	}

	res.Snapshots = len(snaps)
	res.Books = len(fetched)
	res.Took = a.now().Sub(start)
	return res, nil
}

// fetchBooks returns one book per instrument (nil when unavailable) and
// whether each came from the CLOB API rather than the live cache.
func (a *Assembler) fetchBooks(ctx context.Context, instruments []domain.Instrument) ([]*domain.OrderBook, []bool) {
	out := make([]*domain.OrderBook, len(instruments))
	fromClob := make([]bool, len(instruments))

	var g errgroup.Group
	g.SetLimit(a.cfg.BookWorkers)
	for i, in := range instruments {
		token := in.TokenIDs[0]
		if token == "" {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if b, ok := a.deps.Books.GetBook(ctx, token); ok && a.fresh(b) {
				out[i] = &b
				return nil
			}
			b, err := a.deps.Clob.GetOrderBook(ctx, token)
			if err != nil {
				a.logger.DebugContext(ctx, "book fetch failed",
					slog.String("instrument_id", in.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			out[i] = &b
			fromClob[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return out, fromClob
}

func (a *Assembler) fresh(b domain.OrderBook) bool {
	if a.cfg.LiveBookMaxAge <= 0 {
		return true
	}
	return a.now().Sub(b.Timestamp) <= a.cfg.LiveBookMaxAge
}

func (a *Assembler) collectTrades(ctx context.Context, instruments []domain.Instrument) [][]domain.BufferedTrade {
	out := make([][]domain.BufferedTrade, len(instruments))
	now := a.now()

	var g errgroup.Group
	g.SetLimit(a.cfg.MetricsWorkers)
	for i, in := range instruments {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out[i] = a.deps.Trades.Recent(ctx, in.ID, now)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
