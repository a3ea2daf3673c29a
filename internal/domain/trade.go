package domain

import "time"

// Trade sides as sent by the stream.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// BufferedTrade is one entry of the rolling per-instrument trade window.
type BufferedTrade struct {
	Timestamp time.Time `json:"ts"`
	Price     float64   `json:"p"`
	Size      float64   `json:"s"`
	Side      string    `json:"side"`
	WhaleTier int       `json:"wt"`
}

// Notional is the dollar value of the trade.
func (t BufferedTrade) Notional() float64 {
	return t.Price * t.Size
}

// TradeRecord is a persisted trade row observed on the stream.
type TradeRecord struct {
	InstrumentID string
	TokenID      string
	Timestamp    time.Time
	Price        float64
	Size         float64
	Side         string
	Notional     float64
	WhaleTier    int
	ConnIndex    int
}

// WhaleEvent is persisted for every trade whose whale tier is 2 or higher.
type WhaleEvent struct {
	ID           string    `json:"id"`
	InstrumentID string    `json:"instrument_id"`
	TokenID      string    `json:"token_id"`
	Timestamp    time.Time `json:"timestamp"`
	Side         string    `json:"side"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	Notional     float64   `json:"notional"`
	WhaleTier    int       `json:"whale_tier"`
}
