package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotCols = `instrument_id, captured_at, tier, price, best_bid, best_ask, spread,
	change_1h, change_24h, volume_24h, liquidity, bid_ask_source,
	book_features, trade_flow, whale_activity,
	hours_remaining, hour_of_day, day_of_week`

// InsertCycle writes one cycle's snapshot rows and raw books in a single
// transaction. A duplicate (instrument, captured_at) row is ignored.
func (s *SnapshotStore) InsertCycle(ctx context.Context, snapshots []domain.Snapshot, books []domain.OrderBook) error {
	if len(snapshots) == 0 && len(books) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin cycle tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertSnap = `
		INSERT INTO snapshots (` + snapshotCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (instrument_id, captured_at) DO NOTHING`
	const insertBook = `
		INSERT INTO orderbook_snapshots (token_id, captured_at, source, bids, asks)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for i := range snapshots {
		sn := &snapshots[i]
		book, err := jsonOrNil(sn.Book)
		if err != nil {
			return fmt.Errorf("postgres: marshal book features %s: %w", sn.InstrumentID, err)
		}
		flow, err := jsonOrNil(sn.Flow)
		if err != nil {
			return fmt.Errorf("postgres: marshal trade flow %s: %w", sn.InstrumentID, err)
		}
		whales, err := jsonOrNil(sn.Whales)
		if err != nil {
			return fmt.Errorf("postgres: marshal whale activity %s: %w", sn.InstrumentID, err)
		}
		batch.Queue(insertSnap,
			sn.InstrumentID, sn.CapturedAt, sn.Tier, sn.Price, sn.BestBid, sn.BestAsk, sn.Spread,
			sn.Change1h, sn.Change24h, sn.Volume24h, sn.Liquidity, sn.BidAskSrc,
			book, flow, whales,
			sn.HoursRemaining, sn.HourOfDay, sn.DayOfWeek,
		)
	}
	for _, b := range books {
		bids, err := json.Marshal(b.Bids)
		if err != nil {
			return fmt.Errorf("postgres: marshal bids %s: %w", b.TokenID, err)
		}
		asks, err := json.Marshal(b.Asks)
		if err != nil {
			return fmt.Errorf("postgres: marshal asks %s: %w", b.TokenID, err)
		}
		batch.Queue(insertBook, b.TokenID, b.Timestamp, b.Source, bids, asks)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: insert cycle row %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close cycle batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit cycle: %w", err)
	}
	return nil
}

// OldestCapturedAt returns the earliest snapshot timestamp.
func (s *SnapshotStore) OldestCapturedAt(ctx context.Context) (time.Time, bool, error) {
	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MIN(captured_at) FROM snapshots`).Scan(&oldest); err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: oldest snapshot: %w", err)
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return oldest.UTC(), true, nil
}

// StreamRange scans snapshots in [from, to) oldest first and hands each to
// fn without buffering the whole range.
func (s *SnapshotStore) StreamRange(ctx context.Context, from, to time.Time, fn func(domain.Snapshot) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotCols+` FROM snapshots
		 WHERE captured_at >= $1 AND captured_at < $2
		 ORDER BY captured_at, instrument_id`, from, to)
	if err != nil {
		return fmt.Errorf("postgres: stream snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		if err := fn(sn); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: stream snapshots: %w", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var (
		sn                  domain.Snapshot
		tier, hour, weekday int16
		book, flow, whales  []byte
	)
	err := row.Scan(
		&sn.InstrumentID, &sn.CapturedAt, &tier, &sn.Price, &sn.BestBid, &sn.BestAsk, &sn.Spread,
		&sn.Change1h, &sn.Change24h, &sn.Volume24h, &sn.Liquidity, &sn.BidAskSrc,
		&book, &flow, &whales,
		&sn.HoursRemaining, &hour, &weekday,
	)
	if err != nil {
		return domain.Snapshot{}, err
	}
	sn.Tier, sn.HourOfDay, sn.DayOfWeek = int(tier), int(hour), int(weekday)
	sn.CapturedAt = sn.CapturedAt.UTC()

	if len(book) > 0 {
		sn.Book = &domain.BookFeatures{}
		if err := json.Unmarshal(book, sn.Book); err != nil {
			return domain.Snapshot{}, fmt.Errorf("book_features: %w", err)
		}
	}
	if len(flow) > 0 {
		sn.Flow = &domain.TradeFlow{}
		if err := json.Unmarshal(flow, sn.Flow); err != nil {
			return domain.Snapshot{}, fmt.Errorf("trade_flow: %w", err)
		}
	}
	if len(whales) > 0 {
		sn.Whales = &domain.WhaleActivity{}
		if err := json.Unmarshal(whales, sn.Whales); err != nil {
			return domain.Snapshot{}, fmt.Errorf("whale_activity: %w", err)
		}
	}
	return sn, nil
}

// jsonOrNil marshals v, returning nil for a nil pointer so the column is
// stored as NULL.
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
