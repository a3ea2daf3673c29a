package snapshot

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// Bid/ask sources recorded on a snapshot.
const sourceListing = "listing"

// MergeConfig bounds what Merge accepts.
type MergeConfig struct {
	// MaxSpread is the widest book spread still trusted over the listing's
	// bid/ask.
	MaxSpread    float64
	MaxClockSkew time.Duration
}

// MergeInput is everything known about one instrument in one cycle. Book
// and Trades are nil when the tier does not collect them or the fetch
// failed.
type MergeInput struct {
	Instrument domain.Instrument
	Listing    domain.ListingEntry
	Book       *domain.OrderBook
	Trades     []domain.BufferedTrade
	Metrics    bool
	CapturedAt time.Time
	Now        time.Time
}

// Merge builds one validated snapshot. It has no side effects.
func Merge(in MergeInput, cfg MergeConfig) (domain.Snapshot, error) {
	l := in.Listing
	s := domain.Snapshot{
		InstrumentID: in.Instrument.ID,
		CapturedAt:   in.CapturedAt.UTC(),
		Tier:         in.Instrument.Tier,
		Price:        l.Price,
		BestBid:      l.BestBid,
		BestAsk:      l.BestAsk,
		Spread:       l.Spread,
		Change1h:     l.Change1h,
		Change24h:    l.Change24h,
		Volume24h:    l.Volume24h,
		Liquidity:    l.Liquidity,
		BidAskSrc:    sourceListing,
	}

	if in.Book != nil {
		s.Book = BookFeatures(*in.Book)
		if bid, ask, ok := trustedQuote(*in.Book, cfg.MaxSpread); ok {
			s.BestBid, s.BestAsk = bid, ask
			s.Spread = ask - bid
			s.BidAskSrc = in.Book.Source
		}
	}
	if s.Spread == 0 && s.BestBid > 0 && s.BestAsk > s.BestBid {
		s.Spread = s.BestAsk - s.BestBid
	}

	if in.Metrics {
		s.Flow = TradeFlow(in.Trades)
		s.Whales = WhaleActivity(in.Trades)
	}

	if in.Instrument.EndDate != nil {
		h := in.Instrument.EndDate.Sub(s.CapturedAt).Hours()
		s.HoursRemaining = &h
	}
	s.HourOfDay = s.CapturedAt.Hour()
	s.DayOfWeek = int(s.CapturedAt.Weekday())

	if err := Validate(s, in.Now, cfg.MaxClockSkew); err != nil {
		return domain.Snapshot{}, err
	}
	return s, nil
}

// Validate rejects snapshots with out-of-range or non-finite values. Every
// price, including book-derived ones, must lie in [0,1].
func Validate(s domain.Snapshot, now time.Time, skew time.Duration) error {
	if s.InstrumentID == "" {
		return fmt.Errorf("%w: missing instrument id", domain.ErrInvalidRecord)
	}
	checks := []fieldCheck{
		unit("price", s.Price),
		unit("best_bid", s.BestBid),
		unit("best_ask", s.BestAsk),
		finite("spread", s.Spread),
		finite("change_1h", s.Change1h),
		finite("change_24h", s.Change24h),
		nonNegative("volume", s.Volume24h),
		nonNegative("liquidity", s.Liquidity),
	}
	if b := s.Book; b != nil {
		checks = append(checks,
			unit("book.best_bid", b.BestBid),
			unit("book.best_ask", b.BestAsk),
			unit("book.bid_wall_price", b.BidWallPrice),
			unit("book.ask_wall_price", b.AskWallPrice),
			nonNegative("book.bid_wall_size", b.BidWallSize),
			nonNegative("book.ask_wall_size", b.AskWallSize),
			nonNegative("book.bid_depth_1pct", b.BidDepth1),
			nonNegative("book.ask_depth_1pct", b.AskDepth1),
			nonNegative("book.bid_depth_5pct", b.BidDepth5),
			nonNegative("book.ask_depth_5pct", b.AskDepth5),
			nonNegative("book.bid_depth_10pct", b.BidDepth10),
			nonNegative("book.ask_depth_10pct", b.AskDepth10),
			fieldCheck{"book.imbalance", b.Imbalance, b.Imbalance >= -1 && b.Imbalance <= 1},
		)
	}
	if f := s.Flow; f != nil {
		checks = append(checks,
			nonNegative("flow.buy_volume", f.BuyVolume),
			nonNegative("flow.sell_volume", f.SellVolume),
			finite("flow.net_flow", f.NetFlow),
			unit("flow.vwap", f.VWAP),
		)
	}
	if w := s.Whales; w != nil {
		checks = append(checks,
			nonNegative("whales.notional", w.Notional),
			finite("whales.net_flow", w.NetFlow),
		)
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s %v out of range", domain.ErrInvalidRecord, c.name, c.v)
		}
	}

	if s.CapturedAt.IsZero() {
		return fmt.Errorf("%w: missing capture time", domain.ErrInvalidRecord)
	}
	if s.CapturedAt.After(now.Add(skew)) {
		return fmt.Errorf("%w: captured_at %s in the future", domain.ErrInvalidRecord, s.CapturedAt.Format(time.RFC3339))
	}
	return nil
}

type fieldCheck struct {
	name string
	v    float64
	ok   bool
}

// The comparisons are written so NaN fails them.
func unit(name string, v float64) fieldCheck { return fieldCheck{name, v, v >= 0 && v <= 1} }

func nonNegative(name string, v float64) fieldCheck {
	return fieldCheck{name, v, v >= 0 && !math.IsInf(v, 1)}
}

func finite(name string, v float64) fieldCheck {
	return fieldCheck{name, v, !math.IsNaN(v) && !math.IsInf(v, 0)}
}

// trustedQuote returns the book's top of book when both sides are present
// and the spread is plausible.
func trustedQuote(b domain.OrderBook, maxSpread float64) (bid, ask float64, ok bool) {
	bl, hasBid := b.BestBid()
	al, hasAsk := b.BestAsk()
	if !hasBid || !hasAsk {
		return 0, 0, false
	}
	spread := al.Price - bl.Price
	if spread < 0 || (maxSpread > 0 && spread > maxSpread) {
		return 0, 0, false
	}
	return bl.Price, al.Price, true
}
