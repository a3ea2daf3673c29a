package polymarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat accepts a JSON number, a numeric string, an empty string or null.
// Both the REST APIs and the stream quote prices as strings, while frames
// that went through protobuf arrive with plain numbers.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		// ParseFloat accepts "NaN" and "Inf"; upstream numbers are always finite.
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite number %q", s)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is one market as returned by the Gamma /markets endpoint.
type APIMarket struct {
	ID                 string    `json:"id"`
	Question           string    `json:"question"`
	Slug               string    `json:"slug"`
	Active             flexBool  `json:"active"`
	Closed             flexBool  `json:"closed"`
	ResolutionStatus   string    `json:"umaResolutionStatus"`
	EndDate            string    `json:"endDate"`
	EndDateISO         string    `json:"endDateIso"`
	ClobTokenIDs       string    `json:"clobTokenIds"`  // JSON-encoded: "[\"123\",\"456\"]"
	OutcomePrices      string    `json:"outcomePrices"` // JSON-encoded: "[\"0.5\",\"0.5\"]"
	LastTradePrice     flexFloat `json:"lastTradePrice"`
	BestBid            flexFloat `json:"bestBid"`
	BestAsk            flexFloat `json:"bestAsk"`
	Spread             flexFloat `json:"spread"`
	OneHourPriceChange flexFloat `json:"oneHourPriceChange"`
	OneDayPriceChange  flexFloat `json:"oneDayPriceChange"`
	Volume24hr         flexFloat `json:"volume24hr"`
	LiquidityNum       flexFloat `json:"liquidityNum"`
}

// ParseTokenIDs decodes the JSON-encoded clobTokenIds field.
func (m *APIMarket) ParseTokenIDs() ([]string, error) {
	return decodeStringList(m.ClobTokenIDs)
}

// ToListingEntry converts the market into a listing entry. It reports false
// when the market has no id or does not carry exactly two outcome tokens.
func (m *APIMarket) ToListingEntry(fetchedAt time.Time) (domain.ListingEntry, bool) {
	if m.ID == "" {
		return domain.ListingEntry{}, false
	}
	ids, err := m.ParseTokenIDs()
	if err != nil || len(ids) != 2 {
		return domain.ListingEntry{}, false
	}

	e := domain.ListingEntry{
		ID:        m.ID,
		Question:  m.Question,
		Slug:      m.Slug,
		TokenIDs:  [2]string{ids[0], ids[1]},
		Active:    bool(m.Active),
		Closed:    bool(m.Closed),
		Resolved:  strings.EqualFold(m.ResolutionStatus, "resolved"),
		EndDate:   parseEndDate(m.EndDate, m.EndDateISO),
		Price:     float64(m.LastTradePrice),
		BestBid:   float64(m.BestBid),
		BestAsk:   float64(m.BestAsk),
		Spread:    float64(m.Spread),
		Change1h:  float64(m.OneHourPriceChange),
		Change24h: float64(m.OneDayPriceChange),
		Volume24h: float64(m.Volume24hr),
		Liquidity: float64(m.LiquidityNum),
		FetchedAt: fetchedAt,
	}

	// Fall back to the YES outcome price when no trade has printed yet.
	if e.Price == 0 {
		if prices, err := decodeStringList(m.OutcomePrices); err == nil && len(prices) > 0 {
			if p, err := strconv.ParseFloat(prices[0], 64); err == nil {
				e.Price = p
			}
		}
	}
	return e, true
}

func decodeStringList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseEndDate(full, dateOnly string) *time.Time {
	if full != "" {
		if t, err := time.Parse(time.RFC3339, full); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if dateOnly != "" {
		if t, err := time.Parse("2006-01-02", dateOnly); err == nil {
			return &t
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// WSPriceLevel is a single bid/ask level, shared by the REST book and the
// stream.
type WSPriceLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// BookResponse is the CLOB /book payload.
type BookResponse struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Timestamp flexFloat      `json:"timestamp"`
	Hash      string         `json:"hash"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
}

// Validate rejects books whose levels are outside the probability range.
func (b *BookResponse) Validate() error {
	if b.AssetID == "" {
		return errors.New("missing asset_id")
	}
	return validateLevels(b.Bids, b.Asks)
}

// ToDomain converts the response into a sorted order book.
func (b *BookResponse) ToDomain(now time.Time) domain.OrderBook {
	return buildBook(b.AssetID, b.Bids, b.Asks, float64(b.Timestamp), domain.BookSourceCLOB, now)
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// SubscribeMessage is the initial market-channel subscription.
type SubscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// UpdateMessage adds or removes tokens on an open market-channel connection.
type UpdateMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// WSMessage is one event on the market channel. The populated fields depend
// on EventType.
type WSMessage struct {
	EventType string    `json:"event_type"`
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	Timestamp flexFloat `json:"timestamp"`

	// book
	Bids  []WSPriceLevel `json:"bids"`
	Asks  []WSPriceLevel `json:"asks"`
	Buys  []WSPriceLevel `json:"buys"`
	Sells []WSPriceLevel `json:"sells"`

	// last_trade_price
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
	Side  string    `json:"side"`

	// price_change; older servers send "changes" with a top-level asset_id
	PriceChanges []WSPriceChange `json:"price_changes"`
	Changes      []WSPriceChange `json:"changes"`
}

// WSPriceChange is one level update inside a price_change event.
type WSPriceChange struct {
	AssetID string    `json:"asset_id"`
	Price   flexFloat `json:"price"`
	Size    flexFloat `json:"size"`
	Side    string    `json:"side"`
	BestBid flexFloat `json:"best_bid"`
	BestAsk flexFloat `json:"best_ask"`
}

// Stream event types.
const (
	EventTypeBook           = "book"
	EventTypePriceChange    = "price_change"
	EventTypeLastTradePrice = "last_trade_price"
)

// ToEvents maps the message onto tagged stream events. Unrecognised types
// yield a single EventUnknown.
func (m *WSMessage) ToEvents(now time.Time) []domain.StreamEvent {
	switch m.EventType {
	case EventTypeBook:
		bids, asks := m.Bids, m.Asks
		if len(bids) == 0 && len(asks) == 0 {
			bids, asks = m.Buys, m.Sells
		}
		book := buildBook(m.AssetID, bids, asks, float64(m.Timestamp), domain.BookSourceStream, now)
		return []domain.StreamEvent{{
			Kind:    domain.EventBook,
			TokenID: m.AssetID,
			Market:  m.Market,
			RawType: m.EventType,
			Book:    &book,
		}}

	case EventTypePriceChange:
		changes := m.PriceChanges
		if len(changes) == 0 {
			changes = m.Changes
		}
		ts := millisToTime(float64(m.Timestamp), now)
		out := make([]domain.StreamEvent, 0, len(changes))
		for _, c := range changes {
			token := c.AssetID
			if token == "" {
				token = m.AssetID
			}
			out = append(out, domain.StreamEvent{
				Kind:    domain.EventPriceChange,
				TokenID: token,
				Market:  m.Market,
				RawType: m.EventType,
				Change: &domain.PriceChange{
					TokenID:   token,
					Side:      strings.ToUpper(c.Side),
					Price:     float64(c.Price),
					Size:      float64(c.Size),
					Timestamp: ts,
				},
			})
		}
		return out

	case EventTypeLastTradePrice:
		ms := millisToTime(float64(m.Timestamp), now).UnixMilli()
		return []domain.StreamEvent{{
			Kind:    domain.EventTrade,
			TokenID: m.AssetID,
			Market:  m.Market,
			RawType: m.EventType,
			Trade: &domain.StreamTrade{
				TokenID:   m.AssetID,
				Price:     float64(m.Price),
				Size:      float64(m.Size),
				Side:      strings.ToUpper(m.Side),
				Timestamp: ms,
			},
		}}

	default:
		return []domain.StreamEvent{{
			Kind:    domain.EventUnknown,
			TokenID: m.AssetID,
			Market:  m.Market,
			RawType: m.EventType,
		}}
	}
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

func buildBook(tokenID string, bids, asks []WSPriceLevel, tsMillis float64, source string, now time.Time) domain.OrderBook {
	book := domain.OrderBook{
		TokenID:   tokenID,
		Bids:      make([]domain.PriceLevel, 0, len(bids)),
		Asks:      make([]domain.PriceLevel, 0, len(asks)),
		Timestamp: millisToTime(tsMillis, now),
		Source:    source,
	}
	for _, l := range bids {
		if l.usable() {
			book.Bids = append(book.Bids, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
		}
	}
	for _, l := range asks {
		if l.usable() {
			book.Asks = append(book.Asks, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
		}
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book
}

// usable reports whether a level belongs in a book: a price in [0,1] and
// resting size. Stream books are not validated as a whole, so out-of-range
// levels are dropped here.
func (l WSPriceLevel) usable() bool {
	return l.Price >= 0 && l.Price <= 1 && l.Size > 0
}

func validateLevels(sides ...[]WSPriceLevel) error {
	for _, side := range sides {
		for _, l := range side {
			if l.Price < 0 || l.Price > 1 || l.Size < 0 {
				return fmt.Errorf("invalid level price=%v size=%v", float64(l.Price), float64(l.Size))
			}
		}
	}
	return nil
}

// millisToTime converts a unix-millisecond timestamp, falling back to now
// when the field is missing. Second-resolution values are accepted too.
func millisToTime(ms float64, now time.Time) time.Time {
	switch {
	case ms <= 0:
		return now
	case ms < 1e11:
		return time.Unix(int64(ms), 0).UTC()
	default:
		return time.UnixMilli(int64(ms)).UTC()
	}
}
