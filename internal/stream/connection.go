package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polycollector/internal/domain"
	"github.com/alanyoungcy/polycollector/internal/platform/polymarket"
	"github.com/alanyoungcy/polycollector/internal/resilience"
)

// errUnhealthy is returned by the health duty to force a reconnect.
var errUnhealthy = errors.New("stream: connection unhealthy")

// EventSink consumes decoded events for one instrument.
type EventSink interface {
	Handle(ctx context.Context, conn int, instrumentID string, ev domain.StreamEvent) bool
}

// Update changes the subscription set of one connection. Add maps
// instrument id to its outcome tokens.
type Update struct {
	Add    map[string][2]string
	Remove []string
}

// ConnStats is a point-in-time view of one connection.
type ConnStats struct {
	Index        int       `json:"index"`
	Connected    bool      `json:"connected"`
	Instruments  int       `json:"instruments"`
	LastActivity time.Time `json:"last_activity"`
	Trades5m     int       `json:"trades_5m"`
	Reconnects   int64     `json:"reconnects"`
}

type connOptions struct {
	url            string
	healthInterval time.Duration
	health         HealthPolicy
	backoff        resilience.Backoff
	stagger        time.Duration
}

// connection owns one websocket and the instruments assigned to it. Run
// dials, subscribes and then runs three duties until one fails: applying
// subscription deltas, watching health, and consuming frames.
type connection struct {
	index  int
	opts   connOptions
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time

	health     Health
	reconnects atomic.Int64
	connected  atomic.Bool

	mu      sync.Mutex
	subs    map[string][2]string // instrument id -> tokens
	byToken map[string]string    // token id -> instrument id
	adds    map[string][2]string // pending since last flush
	removes map[string][2]string
	wake    chan struct{}
}

func newConnection(index int, opts connOptions, sink EventSink, logger *slog.Logger) *connection {
	return &connection{
		index:   index,
		opts:    opts,
		sink:    sink,
		logger:  logger.With(slog.Int("conn", index)),
		now:     time.Now,
		subs:    make(map[string][2]string),
		byToken: make(map[string]string),
		adds:    make(map[string][2]string),
		removes: make(map[string][2]string),
		wake:    make(chan struct{}, 1),
	}
}

// Apply records u and wakes the refresh duty. It never blocks.
func (c *connection) Apply(u Update) {
	c.mu.Lock()
	for _, id := range u.Remove {
		tokens, ok := c.subs[id]
		if !ok {
			continue
		}
		delete(c.subs, id)
		delete(c.adds, id)
		for _, tok := range tokens {
			delete(c.byToken, tok)
		}
		c.removes[id] = tokens
	}
	for id, tokens := range u.Add {
		c.subs[id] = tokens
		delete(c.removes, id)
		c.adds[id] = tokens
		for _, tok := range tokens {
			if tok != "" {
				c.byToken[tok] = id
			}
		}
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *connection) instrumentFor(tokenID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byToken[tokenID]
	return id, ok
}

// Stats returns a snapshot of the connection state.
func (c *connection) Stats() ConnStats {
	now := c.now()
	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()
	return ConnStats{
		Index:        c.index,
		Connected:    c.connected.Load(),
		Instruments:  n,
		LastActivity: c.health.LastActivity(),
		Trades5m:     c.health.TradesInWindow(now),
		Reconnects:   c.reconnects.Load(),
	}
}

func (c *connection) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// allTokens returns the full token set and clears pending deltas, which a
// fresh subscribe message supersedes.
func (c *connection) allTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs)*slotsPerInstrument)
	for _, tokens := range c.subs {
		for _, tok := range tokens {
			if tok != "" {
				out = append(out, tok)
			}
		}
	}
	clear(c.adds)
	clear(c.removes)
	sort.Strings(out)
	return out
}

func (c *connection) takePending() (add, remove []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tokens := range c.adds {
		for _, tok := range tokens {
			if tok != "" {
				add = append(add, tok)
			}
		}
	}
	for _, tokens := range c.removes {
		for _, tok := range tokens {
			if tok != "" {
				remove = append(remove, tok)
			}
		}
	}
	clear(c.adds)
	clear(c.removes)
	return add, remove
}

// Run keeps the connection alive until ctx is cancelled.
func (c *connection) Run(ctx context.Context) error {
	attempt := 0
	stagger := time.Duration(c.index) * c.opts.stagger

	if !sleepCtx(ctx, stagger) {
		return ctx.Err()
	}

	for {
		if c.subscriptionCount() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		received, err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			attempt = 0
		}

		delay := c.opts.backoff.Delay(attempt) + stagger
		attempt++
		c.reconnects.Add(1)
		c.logger.WarnContext(ctx, "stream connection ended, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// session runs one websocket lifetime. It reports whether any frame was
// received, which resets the reconnect backoff.
func (c *connection) session(ctx context.Context) (bool, error) {
	ws, err := polymarket.DialStream(ctx, c.opts.url)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	tokens := c.allTokens()
	if err := ws.Subscribe(tokens); err != nil {
		return false, err
	}
	c.health.Reset(c.now())
	c.connected.Store(true)
	c.logger.InfoContext(ctx, "stream connected", slog.Int("tokens", len(tokens)))

	var received atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	// Unblock the reader when any duty stops.
	go func() {
		<-gctx.Done()
		_ = ws.Close()
	}()

	g.Go(func() error { return c.refresh(gctx, ws) })
	g.Go(func() error { return c.watch(gctx, ws) })
	g.Go(func() error { return c.consume(gctx, ws, &received) })

	err = g.Wait()
	return received.Load(), err
}

func (c *connection) refresh(ctx context.Context, ws *polymarket.StreamConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
		add, remove := c.takePending()
		if err := ws.RemoveTokens(remove); err != nil {
			return err
		}
		if err := ws.AddTokens(add); err != nil {
			return err
		}
		if len(add)+len(remove) > 0 {
			c.logger.DebugContext(ctx, "subscriptions updated",
				slog.Int("added_tokens", len(add)),
				slog.Int("removed_tokens", len(remove)),
			)
		}
	}
}

func (c *connection) watch(ctx context.Context, ws *polymarket.StreamConn) error {
	ticker := time.NewTicker(c.opts.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if reason := c.health.Check(c.now(), c.subscriptionCount(), c.opts.health); reason != "" {
			return fmt.Errorf("%w: %s", errUnhealthy, reason)
		}
		if err := ws.Ping(); err != nil {
			return err
		}
	}
}

func (c *connection) consume(ctx context.Context, ws *polymarket.StreamConn, received *atomic.Bool) error {
	for {
		events, err := ws.Read(c.now)
		if err != nil {
			if errors.Is(err, domain.ErrMalformedResponse) {
				c.logger.DebugContext(ctx, "dropping malformed frame", slog.String("error", err.Error()))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		received.Store(true)
		now := c.now()
		c.health.Touch(now)

		for _, ev := range events {
			id, ok := c.instrumentFor(ev.TokenID)
			if !ok {
				continue
			}
			if c.sink.Handle(ctx, c.index, id, ev) {
				c.health.RecordTrade(now)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
