package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// whaleNamespace scopes deterministic whale event ids so a trade replayed
// after a reconnect maps to the same row.
var whaleNamespace = uuid.MustParse("6f1c1c38-5a0e-4b59-9d3c-6a3e6f7b2c11")

// persistTimeout bounds the store writes made for a single event so a slow
// database cannot stall the read loop.
const persistTimeout = 5 * time.Second

// HandlerDeps are the sinks a Handler writes to. Trades and Bus may be nil.
type HandlerDeps struct {
	Buffer domain.TradeBuffer
	Trades domain.TradeStore
	Books  domain.BookCache
	Prices domain.PriceCache
	Bus    domain.SignalBus
	Whales *WhaleClassifier

	WhaleChannel string
	WhaleStream  string
}

// Handler dispatches decoded stream events to the buffer, caches and stores.
type Handler struct {
	deps   HandlerDeps
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps HandlerDeps, logger *slog.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: logger.With(slog.String("component", "stream_handler")),
	}
}

// ValidateTrade checks price, size and side of a raw trade print.
func ValidateTrade(t *domain.StreamTrade) error {
	switch {
	case t == nil:
		return fmt.Errorf("%w: empty trade", domain.ErrInvalidRecord)
	case !(t.Price >= 0 && t.Price <= 1):
		return fmt.Errorf("%w: price %v out of [0,1]", domain.ErrInvalidRecord, t.Price)
	case !(t.Size > 0) || math.IsInf(t.Size, 0):
		return fmt.Errorf("%w: size %v not positive and finite", domain.ErrInvalidRecord, t.Size)
	case t.Side != domain.SideBuy && t.Side != domain.SideSell:
		return fmt.Errorf("%w: side %q", domain.ErrInvalidRecord, t.Side)
	}
	return nil
}

// Handle processes one event for instrumentID received on connection conn.
// It reports whether the event was an accepted trade.
func (h *Handler) Handle(ctx context.Context, conn int, instrumentID string, ev domain.StreamEvent) bool {
	switch ev.Kind {
	case domain.EventTrade:
		return h.handleTrade(ctx, conn, instrumentID, ev.Trade)
	case domain.EventBook:
		if ev.Book != nil {
			h.deps.Books.SetBook(ctx, *ev.Book)
		}
	case domain.EventPriceChange:
		if ev.Change != nil && ev.Change.Price >= 0 && ev.Change.Price <= 1 {
			h.deps.Prices.SetPrice(ctx, ev.Change.TokenID, ev.Change.Price, ev.Change.Timestamp)
		}
	case domain.EventUnknown:
		h.logger.DebugContext(ctx, "ignoring stream event", slog.String("type", ev.RawType))
	}
	return false
}

func (h *Handler) handleTrade(ctx context.Context, conn int, instrumentID string, t *domain.StreamTrade) bool {
	if err := ValidateTrade(t); err != nil {
		h.logger.WarnContext(ctx, "dropping invalid trade",
			slog.String("instrument_id", instrumentID),
			slog.String("error", err.Error()),
		)
		return false
	}

	ts := time.Now().UTC()
	if t.Timestamp > 0 {
		ts = time.UnixMilli(t.Timestamp).UTC()
	}
	notional := t.Price * t.Size
	whaleTier := h.deps.Whales.Tier(notional)

	h.deps.Buffer.Push(ctx, instrumentID, domain.BufferedTrade{
		Timestamp: ts,
		Price:     t.Price,
		Size:      t.Size,
		Side:      t.Side,
		WhaleTier: whaleTier,
	})
	h.deps.Prices.SetPrice(ctx, t.TokenID, t.Price, ts)

	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if h.deps.Trades != nil {
		rec := domain.TradeRecord{
			InstrumentID: instrumentID,
			TokenID:      t.TokenID,
			Timestamp:    ts,
			Price:        t.Price,
			Size:         t.Size,
			Side:         t.Side,
			Notional:     notional,
			WhaleTier:    whaleTier,
			ConnIndex:    conn,
		}
		if err := h.deps.Trades.InsertTrade(pctx, rec); err != nil {
			h.logger.WarnContext(ctx, "persist trade failed",
				slog.String("instrument_id", instrumentID),
				slog.String("error", err.Error()),
			)
		}
	}

	if whaleTier >= 2 {
		h.recordWhale(pctx, domain.WhaleEvent{
			ID:           whaleID(t, ts),
			InstrumentID: instrumentID,
			TokenID:      t.TokenID,
			Timestamp:    ts,
			Side:         t.Side,
			Price:        t.Price,
			Size:         t.Size,
			Notional:     notional,
			WhaleTier:    whaleTier,
		})
	}
	return true
}

func (h *Handler) recordWhale(ctx context.Context, ev domain.WhaleEvent) {
	logger := h.logger.With(
		slog.String("instrument_id", ev.InstrumentID),
		slog.Int("whale_tier", ev.WhaleTier),
	)

	if h.deps.Trades != nil {
		if err := h.deps.Trades.InsertWhaleEvent(ctx, ev); err != nil {
			logger.WarnContext(ctx, "persist whale event failed", slog.String("error", err.Error()))
		}
	}
	if h.deps.Bus == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logger.ErrorContext(ctx, "marshal whale event", slog.String("error", err.Error()))
		return
	}
	if h.deps.WhaleChannel != "" {
		if err := h.deps.Bus.Publish(ctx, h.deps.WhaleChannel, payload); err != nil {
			logger.WarnContext(ctx, "publish whale event failed", slog.String("error", err.Error()))
		}
	}
	if h.deps.WhaleStream != "" {
		if err := h.deps.Bus.StreamAppend(ctx, h.deps.WhaleStream, payload); err != nil {
			logger.WarnContext(ctx, "append whale event failed", slog.String("error", err.Error()))
		}
	}
}

func whaleID(t *domain.StreamTrade, ts time.Time) string {
	key := t.TokenID + "|" +
		strconv.FormatInt(ts.UnixMilli(), 10) + "|" +
		strconv.FormatFloat(t.Price, 'f', -1, 64) + "|" +
		strconv.FormatFloat(t.Size, 'f', -1, 64) + "|" +
		t.Side
	return uuid.NewSHA1(whaleNamespace, []byte(key)).String()
}
