package domain

import (
	"context"
	"time"
)

// InstrumentStore persists instrument rows. Tier and active flags are only
// changed through ApplyTransitions.
type InstrumentStore interface {
	UpsertBatch(ctx context.Context, instruments []Instrument) error
	ListActive(ctx context.Context) ([]Instrument, error)
	ListByTier(ctx context.Context, tier int) ([]Instrument, error)
	// ListStreamable returns instruments at or above minTier plus every
	// instrument currently flagged subscribed, whatever its state.
	ListStreamable(ctx context.Context, minTier int) ([]Instrument, error)
	ApplyTransitions(ctx context.Context, transitions []TierTransition) error
	SetSubscribed(ctx context.Context, ids []string, subscribed bool) error
	MarkSnapshotted(ctx context.Context, ids []string, at time.Time) error
}

// SnapshotStore persists feature rows and the raw books they came from.
type SnapshotStore interface {
	InsertCycle(ctx context.Context, snapshots []Snapshot, books []OrderBook) error
	// OldestCapturedAt reports the earliest snapshot time, or false when the
	// table is empty.
	OldestCapturedAt(ctx context.Context) (time.Time, bool, error)
	// StreamRange calls fn for every snapshot captured in [from, to), oldest
	// first, stopping at the first error fn returns.
	StreamRange(ctx context.Context, from, to time.Time, fn func(Snapshot) error) error
}

// TradeStore persists stream trades and whale events.
type TradeStore interface {
	InsertTrade(ctx context.Context, t TradeRecord) error
	InsertWhaleEvent(ctx context.Context, e WhaleEvent) error
}

// AuditStore is an append-only event log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
