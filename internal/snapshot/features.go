package snapshot

import "github.com/alanyoungcy/polycollector/internal/domain"

// Depth bands as a fraction of mid.
const (
	band1  = 0.01
	band5  = 0.05
	band10 = 0.10
)

// BookFeatures derives depth, imbalance and wall metrics from one ladder.
// It returns nil for an empty book.
func BookFeatures(b domain.OrderBook) *domain.BookFeatures {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if !hasBid && !hasAsk {
		return nil
	}

	f := &domain.BookFeatures{
		BestBid: bid.Price,
		BestAsk: ask.Price,
		HasBoth: hasBid && hasAsk,
		Source:  b.Source,
	}

	var mid float64
	switch {
	case hasBid && hasAsk:
		mid = (bid.Price + ask.Price) / 2
	case hasBid:
		mid = bid.Price
	default:
		mid = ask.Price
	}

	f.BidDepth1, f.AskDepth1 = depth(b, mid, band1)
	f.BidDepth5, f.AskDepth5 = depth(b, mid, band5)
	f.BidDepth10, f.AskDepth10 = depth(b, mid, band10)
	if total := f.BidDepth5 + f.AskDepth5; total > 0 {
		f.Imbalance = (f.BidDepth5 - f.AskDepth5) / total
	}

	f.BidWallPrice, f.BidWallSize = wall(b.Bids)
	f.AskWallPrice, f.AskWallSize = wall(b.Asks)
	return f
}

// depth sums resting size within band of mid on each side.
func depth(b domain.OrderBook, mid, band float64) (bidSize, askSize float64) {
	lo, hi := mid*(1-band), mid*(1+band)
	for _, l := range b.Bids {
		if l.Price >= lo {
			bidSize += l.Size
		}
	}
	for _, l := range b.Asks {
		if l.Price <= hi {
			askSize += l.Size
		}
	}
	return bidSize, askSize
}

// wall returns the largest resting level; ties go to the level nearest the
// top of book.
func wall(levels []domain.PriceLevel) (price, size float64) {
	for _, l := range levels {
		if l.Size > size {
			price, size = l.Price, l.Size
		}
	}
	return price, size
}

// TradeFlow aggregates trades into buy/sell volume, net flow and VWAP.
func TradeFlow(trades []domain.BufferedTrade) *domain.TradeFlow {
	f := &domain.TradeFlow{}
	var notional, size float64
	for _, t := range trades {
		f.Count++
		switch t.Side {
		case domain.SideBuy:
			f.BuyVolume += t.Size
		case domain.SideSell:
			f.SellVolume += t.Size
		}
		notional += t.Notional()
		size += t.Size
	}
	f.NetFlow = f.BuyVolume - f.SellVolume
	if size > 0 {
		f.VWAP = notional / size
	}
	return f
}

// WhaleActivity aggregates trades carrying a whale tier.
func WhaleActivity(trades []domain.BufferedTrade) *domain.WhaleActivity {
	w := &domain.WhaleActivity{}
	for _, t := range trades {
		if t.WhaleTier < 1 {
			continue
		}
		w.Count++
		n := t.Notional()
		w.Notional += n
		if t.Side == domain.SideSell {
			w.NetFlow -= n
		} else {
			w.NetFlow += n
		}
		if t.WhaleTier > w.MaxTier {
			w.MaxTier = t.WhaleTier
		}
	}
	return w
}
