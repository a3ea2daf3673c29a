package domain

import "time"

// PriceLevel is a single price+size entry in an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Book sources.
const (
	BookSourceStream = "stream"
	BookSourceCLOB   = "clob"
)

// OrderBook is the bid/ask ladder for one outcome token. Bids are sorted
// best (highest) first, asks best (lowest) first.
type OrderBook struct {
	TokenID   string       `json:"token_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
	Source    string       `json:"source"`
}

// BestBid returns the top bid, or false when the bid side is empty.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, or false when the ask side is empty.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// PriceChange is an incremental level update or last-price tick.
type PriceChange struct {
	TokenID   string
	Side      string
	Price     float64
	Size      float64
	Timestamp time.Time
}
