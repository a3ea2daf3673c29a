package domain

// EventKind tags a decoded stream event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventTrade
	EventBook
	EventPriceChange
)

func (k EventKind) String() string {
	switch k {
	case EventTrade:
		return "trade"
	case EventBook:
		return "book"
	case EventPriceChange:
		return "price_change"
	default:
		return "unknown"
	}
}

// StreamEvent is a decoded stream message. Exactly one of the payload
// fields is set, selected by Kind.
type StreamEvent struct {
	Kind    EventKind
	TokenID string
	Market  string
	RawType string

	Trade  *StreamTrade
	Book   *OrderBook
	Change *PriceChange
}

// StreamTrade is a trade print before validation.
type StreamTrade struct {
	TokenID   string
	Price     float64
	Size      float64
	Side      string
	Timestamp int64 // unix millis
}
