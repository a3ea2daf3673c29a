package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// InstrumentStore implements domain.InstrumentStore using PostgreSQL.
type InstrumentStore struct {
	pool *pgxpool.Pool
}

// NewInstrumentStore creates a new InstrumentStore backed by the given connection pool.
func NewInstrumentStore(pool *pgxpool.Pool) *InstrumentStore {
	return &InstrumentStore{pool: pool}
}

const instrumentCols = `id, question, slug, token_yes, token_no,
	active, closed, resolved, end_date, tier, volume_24h, subscribed,
	last_snapshot_at, snapshot_count, updated_at`

// UpsertBatch inserts new instruments and refreshes listing-owned columns on
// existing ones. Tier and active are left alone on conflict, except that a
// closed or resolved instrument is always deactivated.
func (s *InstrumentStore) UpsertBatch(ctx context.Context, instruments []domain.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}

	const query = `
		INSERT INTO instruments (
			id, question, slug, token_yes, token_no,
			active, closed, resolved, end_date, volume_24h, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			question   = EXCLUDED.question,
			slug       = EXCLUDED.slug,
			token_yes  = EXCLUDED.token_yes,
			token_no   = EXCLUDED.token_no,
			closed     = EXCLUDED.closed,
			resolved   = EXCLUDED.resolved,
			active     = instruments.active AND NOT EXCLUDED.closed AND NOT EXCLUDED.resolved,
			end_date   = EXCLUDED.end_date,
			volume_24h = EXCLUDED.volume_24h,
			updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, in := range instruments {
		batch.Queue(query,
			in.ID, in.Question, in.Slug, in.TokenIDs[0], in.TokenIDs[1],
			in.Active && !in.Closed && !in.Resolved, in.Closed, in.Resolved,
			in.EndDate, in.Volume24h,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range instruments {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert instrument batch item %d (%s): %w", i, instruments[i].ID, err)
		}
	}
	return nil
}

// ListActive returns every active, unclosed, unresolved instrument.
func (s *InstrumentStore) ListActive(ctx context.Context) ([]domain.Instrument, error) {
	return s.query(ctx, "list active",
		`SELECT `+instrumentCols+` FROM instruments
		 WHERE active AND NOT closed AND NOT resolved
		 ORDER BY id`)
}

// ListByTier returns the schedulable instruments in one tier.
func (s *InstrumentStore) ListByTier(ctx context.Context, tier int) ([]domain.Instrument, error) {
	return s.query(ctx, "list by tier",
		`SELECT `+instrumentCols+` FROM instruments
		 WHERE tier = $1 AND active AND NOT closed AND NOT resolved
		 ORDER BY id`, tier)
}

// ListStreamable returns schedulable instruments at or above minTier plus
// every instrument still flagged subscribed.
func (s *InstrumentStore) ListStreamable(ctx context.Context, minTier int) ([]domain.Instrument, error) {
	return s.query(ctx, "list streamable",
		`SELECT `+instrumentCols+` FROM instruments
		 WHERE (tier >= $1 AND active AND NOT closed AND NOT resolved) OR subscribed
		 ORDER BY tier DESC, id`, minTier)
}

// ApplyTransitions updates tier/active and appends the audit rows in one
// transaction. A deactivation keeps the current tier and records the tier it
// would have moved to.
func (s *InstrumentStore) ApplyTransitions(ctx context.Context, transitions []domain.TierTransition) error {
	if len(transitions) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transitions tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const update = `
		UPDATE instruments
		SET tier = CASE WHEN $3 THEN tier ELSE $2 END,
		    active = CASE WHEN $3 THEN FALSE ELSE active END,
		    updated_at = NOW()
		WHERE id = $1`
	const audit = `
		INSERT INTO tier_transitions (instrument_id, from_tier, to_tier, reason, deactivated, at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, t := range transitions {
		batch.Queue(update, t.InstrumentID, t.ToTier, t.Deactivated)
		batch.Queue(audit, t.InstrumentID, t.FromTier, t.ToTier, t.Reason, t.Deactivated, t.At)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: apply transition %d: %w", i/2, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close transitions batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit transitions: %w", err)
	}
	return nil
}

// SetSubscribed flips the subscribed flag on ids.
func (s *InstrumentStore) SetSubscribed(ctx context.Context, ids []string, subscribed bool) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE instruments SET subscribed = $2, updated_at = NOW() WHERE id = ANY($1)`,
		ids, subscribed)
	if err != nil {
		return fmt.Errorf("postgres: set subscribed=%t on %d instruments: %w", subscribed, len(ids), err)
	}
	return nil
}

// MarkSnapshotted records a completed snapshot for each id.
func (s *InstrumentStore) MarkSnapshotted(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET last_snapshot_at = $2, snapshot_count = snapshot_count + 1
		 WHERE id = ANY($1)`,
		ids, at)
	if err != nil {
		return fmt.Errorf("postgres: mark snapshotted: %w", err)
	}
	return nil
}

func (s *InstrumentStore) query(ctx context.Context, op, sql string, args ...any) ([]domain.Instrument, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

// scanInstrument scans a single instrument row.
func scanInstrument(row pgx.Row) (domain.Instrument, error) {
	var (
		in   domain.Instrument
		tier int16
	)
	err := row.Scan(
		&in.ID, &in.Question, &in.Slug, &in.TokenIDs[0], &in.TokenIDs[1],
		&in.Active, &in.Closed, &in.Resolved, &in.EndDate, &tier, &in.Volume24h, &in.Subscribed,
		&in.LastSnapshotAt, &in.SnapshotCount, &in.UpdatedAt,
	)
	if err != nil {
		return domain.Instrument{}, err
	}
	in.Tier = int(tier)
	return in, nil
}

// Compile-time interface check.
var _ domain.InstrumentStore = (*InstrumentStore)(nil)
