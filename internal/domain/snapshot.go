package domain

import "time"

// Snapshot is one immutable feature row for an instrument at CapturedAt.
type Snapshot struct {
	InstrumentID string    `json:"instrument_id"`
	CapturedAt   time.Time `json:"captured_at"`
	Tier         int       `json:"tier"`

	Price     float64 `json:"price"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Spread    float64 `json:"spread"`
	Change1h  float64 `json:"change_1h"`
	Change24h float64 `json:"change_24h"`
	Volume24h float64 `json:"volume_24h"`
	Liquidity float64 `json:"liquidity"`
	BidAskSrc string  `json:"bid_ask_source"`

	Book   *BookFeatures  `json:"book,omitempty"`
	Flow   *TradeFlow     `json:"flow,omitempty"`
	Whales *WhaleActivity `json:"whales,omitempty"`

	HoursRemaining *float64 `json:"hours_remaining,omitempty"`
	HourOfDay      int      `json:"hour_of_day"`
	DayOfWeek      int      `json:"day_of_week"`
}

// BookFeatures are derived from one outcome token's order book.
type BookFeatures struct {
	BidDepth1  float64 `json:"bid_depth_1pct"`
	AskDepth1  float64 `json:"ask_depth_1pct"`
	BidDepth5  float64 `json:"bid_depth_5pct"`
	AskDepth5  float64 `json:"ask_depth_5pct"`
	BidDepth10 float64 `json:"bid_depth_10pct"`
	AskDepth10 float64 `json:"ask_depth_10pct"`
	Imbalance  float64 `json:"imbalance"`

	BidWallPrice float64 `json:"bid_wall_price"`
	BidWallSize  float64 `json:"bid_wall_size"`
	AskWallPrice float64 `json:"ask_wall_price"`
	AskWallSize  float64 `json:"ask_wall_size"`

	BestBid float64 `json:"best_bid"`
	BestAsk float64 `json:"best_ask"`
	HasBoth bool    `json:"has_both"`
	Source  string  `json:"source"`
}

// TradeFlow aggregates the trailing hour of trades.
type TradeFlow struct {
	Count      int     `json:"count"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	NetFlow    float64 `json:"net_flow"`
	VWAP       float64 `json:"vwap"`
}

// WhaleActivity aggregates the trailing hour of whale-tier trades.
type WhaleActivity struct {
	Count    int     `json:"count"`
	Notional float64 `json:"notional"`
	NetFlow  float64 `json:"net_flow"`
	MaxTier  int     `json:"max_tier"`
}
