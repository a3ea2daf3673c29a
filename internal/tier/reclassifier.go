package tier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// promotionGate is the first tier whose instruments become stream
// candidates; crossing into it requires the volume floor.
const promotionGate = 2

const lockKey = "reclassify"

// Result summarises one reclassification pass.
type Result struct {
	Checked     int
	Changed     int
	Deactivated int
}

// Reclassifier recomputes tiers for every active instrument and persists
// the changes with their audit rows. It is the only writer of tier and
// active.
type Reclassifier struct {
	classifier  *Classifier
	store       domain.InstrumentStore
	locks       domain.LockManager
	volumeFloor float64
	logger      *slog.Logger
	now         func() time.Time
}

// NewReclassifier creates a Reclassifier. locks may be nil, in which case
// Run does not coordinate with other replicas.
func NewReclassifier(c *Classifier, store domain.InstrumentStore, locks domain.LockManager, volumeFloor float64, logger *slog.Logger) *Reclassifier {
	return &Reclassifier{
		classifier:  c,
		store:       store,
		locks:       locks,
		volumeFloor: volumeFloor,
		logger:      logger.With(slog.String("component", "reclassifier")),
		now:         time.Now,
	}
}

// Plan computes the transitions for instruments at now without side
// effects.
func (r *Reclassifier) Plan(instruments []domain.Instrument, now time.Time) []domain.TierTransition {
	var out []domain.TierTransition
	for _, in := range instruments {
		if !in.Schedulable() {
			continue
		}
		next := r.classifier.ClassifyAt(in.EndDate, now)
		if next == in.Tier {
			continue
		}

		t := domain.TierTransition{
			InstrumentID: in.ID,
			FromTier:     in.Tier,
			ToTier:       next,
			Reason:       domain.ReasonTimeRemaining,
			At:           now,
		}
		if in.Tier < promotionGate && next >= promotionGate && in.Volume24h < r.volumeFloor {
			t.Reason = domain.ReasonLowVolume
			t.Deactivated = true
		}
		out = append(out, t)
	}
	return out
}

// ReclassifyAll runs one pass over every active instrument.
func (r *Reclassifier) ReclassifyAll(ctx context.Context) (Result, error) {
	instruments, err := r.store.ListActive(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("tier: list active: %w", err)
	}

	transitions := r.Plan(instruments, r.now().UTC())
	res := Result{Checked: len(instruments), Changed: len(transitions)}
	for _, t := range transitions {
		if t.Deactivated {
			res.Deactivated++
		}
	}
	if len(transitions) == 0 {
		return res, nil
	}

	if err := r.store.ApplyTransitions(ctx, transitions); err != nil {
		return Result{}, fmt.Errorf("tier: apply %d transitions: %w", len(transitions), err)
	}
	return res, nil
}

// Run reclassifies immediately and then every interval until ctx is done.
// Passes where another replica holds the lock are skipped.
func (r *Reclassifier) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.tick(ctx, interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reclassifier) tick(ctx context.Context, interval time.Duration) {
	start := time.Now()
	var res Result
	pass := func(ctx context.Context) error {
		var err error
		res, err = r.ReclassifyAll(ctx)
		return err
	}

	ran := true
	var err error
	if r.locks != nil {
		ran, err = domain.WithLock(ctx, r.locks, lockKey, interval, pass)
	} else {
		err = pass(ctx)
	}

	switch {
	case err != nil:
		r.logger.ErrorContext(ctx, "reclassification failed", slog.String("error", err.Error()))
	case !ran:
		r.logger.DebugContext(ctx, "reclassification skipped, lock held elsewhere")
	default:
		r.logger.InfoContext(ctx, "reclassification complete",
			slog.Int("checked", res.Checked),
			slog.Int("changed", res.Changed),
			slog.Int("deactivated", res.Deactivated),
			slog.Duration("took", time.Since(start)),
		)
	}
}
