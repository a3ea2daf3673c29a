package domain

import "time"

// Tier bounds. Tier 0 is polled least often, tier 4 most often.
const (
	MinTier = 0
	MaxTier = 4
)

// Instrument is one binary prediction market tracked by the collector.
type Instrument struct {
	ID       string
	Question string
	Slug     string
	TokenIDs [2]string // outcome tokens, YES first

	Active   bool
	Closed   bool
	Resolved bool
	EndDate  *time.Time

	Tier       int
	Volume24h  float64
	Subscribed bool

	LastSnapshotAt *time.Time
	SnapshotCount  int64
	UpdatedAt      time.Time
}

// Schedulable reports whether the instrument may still be polled or streamed.
func (i Instrument) Schedulable() bool {
	return i.Active && !i.Closed && !i.Resolved
}

// TimeRemaining returns the duration until the resolution deadline, or nil
// when the deadline is unknown.
func (i Instrument) TimeRemaining(now time.Time) *time.Duration {
	if i.EndDate == nil {
		return nil
	}
	d := i.EndDate.Sub(now)
	return &d
}

// ListingEntry is the per-instrument state reported by the listing API.
type ListingEntry struct {
	ID        string
	Question  string
	Slug      string
	TokenIDs  [2]string
	Active    bool
	Closed    bool
	Resolved  bool
	EndDate   *time.Time
	Price     float64
	BestBid   float64
	BestAsk   float64
	Spread    float64
	Change1h  float64
	Change24h float64
	Volume24h float64
	Liquidity float64
	FetchedAt time.Time
}

// ToInstrument projects a listing entry onto the columns the listing owns.
func (l ListingEntry) ToInstrument() Instrument {
	return Instrument{
		ID:        l.ID,
		Question:  l.Question,
		Slug:      l.Slug,
		TokenIDs:  l.TokenIDs,
		Active:    l.Active,
		Closed:    l.Closed,
		Resolved:  l.Resolved,
		EndDate:   l.EndDate,
		Volume24h: l.Volume24h,
	}
}

// Tier transition reasons recorded in the audit trail.
const (
	ReasonTimeRemaining = "time_remaining"
	ReasonLowVolume     = "low_volume_deactivated"
)

// TierTransition is an audit record of a tier change or a deactivation.
type TierTransition struct {
	InstrumentID string
	FromTier     int
	ToTier       int
	Reason       string
	Deactivated  bool
	At           time.Time
}
