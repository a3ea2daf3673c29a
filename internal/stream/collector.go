package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycollector/internal/domain"
	"github.com/alanyoungcy/polycollector/internal/resilience"
)

// Config controls the collector.
type Config struct {
	URL              string
	Connections      int
	MaxSubscriptions int // token slots per connection
	MinTier          int
	RefreshInterval  time.Duration
	StatsInterval    time.Duration
	HealthInterval   time.Duration
	StaleThreshold   time.Duration
	MinTradesPer5m   int
	RateCheckMinSubs int
	StaggerOffset    time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
}

// Collector keeps the streamable instruments spread over a fixed pool of
// connections and periodically rebalances them.
type Collector struct {
	cfg    Config
	store  domain.InstrumentStore
	conns  []*connection
	logger *slog.Logger

	mu         sync.Mutex
	assignment Assignment
	tokens     map[string][2]string
}

// NewCollector creates a Collector writing events to sink.
func NewCollector(cfg Config, store domain.InstrumentStore, sink EventSink, logger *slog.Logger) (*Collector, error) {
	if cfg.Connections <= 0 {
		return nil, fmt.Errorf("stream: connections must be positive, got %d", cfg.Connections)
	}
	if cfg.MaxSubscriptions < slotsPerInstrument {
		return nil, fmt.Errorf("stream: max subscriptions %d below one instrument", cfg.MaxSubscriptions)
	}
	if cfg.HealthInterval <= 0 || cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("stream: health and refresh intervals must be positive")
	}

	logger = logger.With(slog.String("component", "stream_collector"))
	opts := connOptions{
		url:            cfg.URL,
		healthInterval: cfg.HealthInterval,
		health: HealthPolicy{
			StaleThreshold: cfg.StaleThreshold,
			MinTrades:      cfg.MinTradesPer5m,
			MinSubs:        cfg.RateCheckMinSubs,
		},
		backoff: resilience.Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax},
		stagger: cfg.StaggerOffset,
	}

	c := &Collector{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		assignment: make(Assignment),
		tokens:     make(map[string][2]string),
	}
	for i := 0; i < cfg.Connections; i++ {
		c.conns = append(c.conns, newConnection(i, opts, sink, logger))
	}
	return c, nil
}

// Run starts every connection and the rebalance loop and blocks until ctx
// is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "stream collector starting",
		slog.Int("connections", len(c.conns)),
		slog.Int("max_subscriptions", c.cfg.MaxSubscriptions),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range c.conns {
		g.Go(func() error { return conn.Run(gctx) })
	}
	g.Go(func() error { return c.rebalanceLoop(gctx) })
	if c.cfg.StatsInterval > 0 {
		g.Go(func() error { return c.statsLoop(gctx) })
	}
	return g.Wait()
}

func (c *Collector) rebalanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		if err := c.Reassign(ctx); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "reassignment failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Collector) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, s := range c.Stats() {
			c.logger.InfoContext(ctx, "stream connection stats",
				slog.Int("conn", s.Index),
				slog.Bool("connected", s.Connected),
				slog.Int("instruments", s.Instruments),
				slog.Time("last_activity", s.LastActivity),
				slog.Int("trades_5m", s.Trades5m),
				slog.Int64("reconnects", s.Reconnects),
			)
		}
	}
}

// Reassign loads the streamable set, recomputes the assignment and pushes
// the resulting deltas to each connection.
func (c *Collector) Reassign(ctx context.Context) error {
	instruments, err := c.store.ListStreamable(ctx, c.cfg.MinTier)
	if err != nil {
		return fmt.Errorf("stream: list streamable: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, in := range instruments {
		c.tokens[in.ID] = in.TokenIDs
	}

	plan := Assign(instruments, c.assignment, len(c.conns), c.cfg.MaxSubscriptions, c.cfg.MinTier)
	if len(plan.Dropped) > 0 {
		c.logger.WarnContext(ctx, "stream capacity exceeded, instruments not subscribed",
			slog.Int("dropped", len(plan.Dropped)),
		)
	}
	for _, id := range plan.Rescued {
		c.logger.ErrorContext(ctx, "subscribed instrument would have been dropped, kept", slog.String("instrument_id", id))
	}
	for _, id := range plan.Lost {
		c.logger.ErrorContext(ctx, "subscribed instrument dropped, no capacity left", slog.String("instrument_id", id))
	}

	deltas := Diff(c.assignment, plan.Assignment, len(c.conns))
	var subscribed, unsubscribed []string
	for i, d := range deltas {
		if d.Empty() {
			continue
		}
		u := Update{Add: make(map[string][2]string, len(d.Add)), Remove: d.Remove}
		for _, id := range d.Add {
			u.Add[id] = c.tokens[id]
			if _, was := c.assignment[id]; !was {
				subscribed = append(subscribed, id)
			}
		}
		for _, id := range d.Remove {
			if _, still := plan.Assignment[id]; !still {
				unsubscribed = append(unsubscribed, id)
			}
		}
		c.conns[i].Apply(u)
	}

	// Rows still flagged from an earlier process that this pass did not keep.
	for _, in := range instruments {
		_, kept := plan.Assignment[in.ID]
		_, had := c.assignment[in.ID]
		if in.Subscribed && !kept && !had {
			unsubscribed = append(unsubscribed, in.ID)
		}
	}
	for _, id := range unsubscribed {
		delete(c.tokens, id)
	}
	c.assignment = plan.Assignment

	if len(subscribed) > 0 {
		if err := c.store.SetSubscribed(ctx, subscribed, true); err != nil {
			c.logger.WarnContext(ctx, "mark subscribed failed", slog.String("error", err.Error()))
		}
	}
	if len(unsubscribed) > 0 {
		if err := c.store.SetSubscribed(ctx, unsubscribed, false); err != nil {
			c.logger.WarnContext(ctx, "mark unsubscribed failed", slog.String("error", err.Error()))
		}
	}

	c.logger.InfoContext(ctx, "stream assignment refreshed",
		slog.Int("instruments", len(plan.Assignment)),
		slog.Int("subscribed", len(subscribed)),
		slog.Int("unsubscribed", len(unsubscribed)),
	)
	return nil
}

// currentAssignment returns a copy of the current assignment.
func (c *Collector) currentAssignment() Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Assignment, len(c.assignment))
	for k, v := range c.assignment {
		out[k] = v
	}
	return out
}

// Stats returns per-connection statistics.
func (c *Collector) Stats() []ConnStats {
	out := make([]ConnStats, len(c.conns))
	for i, conn := range c.conns {
		out[i] = conn.Stats()
	}
	return out
}
