package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// InsertTrade appends one stream trade.
func (s *TradeStore) InsertTrade(ctx context.Context, t domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			instrument_id, token_id, ts, price, size, side,
			notional, whale_tier, conn_index
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		t.InstrumentID, t.TokenID, t.Timestamp, t.Price, t.Size, t.Side,
		t.Notional, t.WhaleTier, t.ConnIndex,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.InstrumentID, err)
	}
	return nil
}

// InsertWhaleEvent appends one whale event. Replays of the same id are
// ignored.
func (s *TradeStore) InsertWhaleEvent(ctx context.Context, e domain.WhaleEvent) error {
	const query = `
		INSERT INTO whale_events (
			id, instrument_id, token_id, ts, side, price, size, notional, whale_tier
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.InstrumentID, e.TokenID, e.Timestamp, e.Side,
		e.Price, e.Size, e.Notional, e.WhaleTier,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert whale event %s: %w", e.InstrumentID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
