package tier

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

func dur(d time.Duration) *time.Duration { return &d }

func TestClassifyBoundaries(t *testing.T) {
	c, err := NewClassifier(nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		remaining *time.Duration
		want      int
	}{
		{"unknown deadline", nil, 0},
		{"already passed", dur(-5 * time.Minute), 4},
		{"zero", dur(0), 4},
		{"thirty minutes", dur(30 * time.Minute), 4},
		{"just under an hour", dur(time.Hour - time.Nanosecond), 4},
		{"exactly one hour", dur(time.Hour), 3},
		{"three hours", dur(3 * time.Hour), 3},
		{"exactly four hours", dur(4 * time.Hour), 2},
		{"exactly twelve hours", dur(12 * time.Hour), 1},
		{"twenty hours", dur(20 * time.Hour), 1},
		{"exactly forty-eight hours", dur(48 * time.Hour), 0},
		{"a month", dur(30 * 24 * time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.remaining); got != tt.want {
				t.Fatalf("Classify(%v) = %d, want %d", tt.remaining, got, tt.want)
			}
		})
	}
}

func TestClassifyMonotonic(t *testing.T) {
	c, _ := NewClassifier(nil)
	prev := c.Classify(dur(-time.Hour))
	for d := -time.Hour; d <= 72*time.Hour; d += time.Minute {
		got := c.Classify(dur(d))
		if got < domain.MinTier || got > domain.MaxTier {
			t.Fatalf("tier %d out of range at %v", got, d)
		}
		if got > prev {
			t.Fatalf("tier increased from %d to %d at %v", prev, got, d)
		}
		prev = got
	}
}

func TestClassifyAt(t *testing.T) {
	c, _ := NewClassifier(nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(30 * time.Minute)
	if got := c.ClassifyAt(&end, now); got != 4 {
		t.Fatalf("ClassifyAt = %d, want 4", got)
	}
	if got := c.ClassifyAt(nil, now); got != 0 {
		t.Fatalf("ClassifyAt(nil) = %d, want 0", got)
	}
}

func TestNewClassifierRejectsBadBoundaries(t *testing.T) {
	bad := [][]time.Duration{
		{time.Hour},
		{time.Hour, time.Hour, 2 * time.Hour, 3 * time.Hour},
		{4 * time.Hour, time.Hour, 12 * time.Hour, 48 * time.Hour},
		{0, time.Hour, 2 * time.Hour, 3 * time.Hour},
	}
	for _, b := range bad {
		if _, err := NewClassifier(b); err == nil {
			t.Errorf("NewClassifier(%v) accepted invalid boundaries", b)
		}
	}

	c, err := NewClassifier([]time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute, 4 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Classify(dur(150 * time.Second)); got != 2 {
		t.Fatalf("custom boundaries: got %d, want 2", got)
	}
}

// memStore is an in-memory InstrumentStore that applies transitions the
// same way the Postgres store does.
type memStore struct {
	mu          sync.Mutex
	instruments map[string]domain.Instrument
	audit       []domain.TierTransition
}

func newMemStore(in ...domain.Instrument) *memStore {
	s := &memStore{instruments: make(map[string]domain.Instrument)}
	for _, i := range in {
		s.instruments[i.ID] = i
	}
	return s
}

func (s *memStore) UpsertBatch(context.Context, []domain.Instrument) error { return nil }

func (s *memStore) ListActive(context.Context) ([]domain.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Instrument
	for _, i := range s.instruments {
		if i.Schedulable() {
			out = append(out, i)
		}
	}
	return out, nil
}

func (s *memStore) ListByTier(context.Context, int) ([]domain.Instrument, error) { return nil, nil }

func (s *memStore) ListStreamable(context.Context, int) ([]domain.Instrument, error) {
	return nil, nil
}

func (s *memStore) ApplyTransitions(_ context.Context, ts []domain.TierTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range ts {
		i := s.instruments[t.InstrumentID]
		if t.Deactivated {
			i.Active = false
		} else {
			i.Tier = t.ToTier
		}
		s.instruments[t.InstrumentID] = i
		s.audit = append(s.audit, t)
	}
	return nil
}

func (s *memStore) SetSubscribed(context.Context, []string, bool) error { return nil }

func (s *memStore) MarkSnapshotted(context.Context, []string, time.Time) error { return nil }

func (s *memStore) get(id string) domain.Instrument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruments[id]
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReclassifier(t *testing.T, store domain.InstrumentStore, now *time.Time) *Reclassifier {
	t.Helper()
	c, err := NewClassifier(nil)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReclassifier(c, store, nil, 1000, discardLogger())
	r.now = func() time.Time { return *now }
	return r
}

func TestReclassifyPromotesByTimeRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(30 * time.Minute)
	store := newMemStore(domain.Instrument{ID: "m1", Active: true, EndDate: &end, Tier: 0, Volume24h: 5000})
	r := newTestReclassifier(t, store, &now)

	res, err := r.ReclassifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 1 || res.Changed != 1 || res.Deactivated != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := store.get("m1").Tier; got != 4 {
		t.Fatalf("tier = %d, want 4", got)
	}
	if len(store.audit) != 1 || store.audit[0].Reason != domain.ReasonTimeRemaining {
		t.Fatalf("audit = %+v", store.audit)
	}
}

func TestReclassifyDeactivatesLowVolumeAtTwelveHours(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(20 * time.Hour)
	store := newMemStore(domain.Instrument{ID: "thin", Active: true, EndDate: &end, Tier: 0, Volume24h: 10})
	now := start
	r := newTestReclassifier(t, store, &now)

	// 20h remaining: tier 1, still active.
	if _, err := r.ReclassifyAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if in := store.get("thin"); in.Tier != 1 || !in.Active {
		t.Fatalf("at 20h: %+v", in)
	}

	// Exactly 12h remaining is still tier 1.
	now = start.Add(8 * time.Hour)
	res, err := r.ReclassifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Deactivated != 0 || res.Changed != 0 {
		t.Fatalf("at 12h: result %+v, want no change", res)
	}

	// Just under 12h: candidate tier 2 with thin volume, deactivated.
	now = start.Add(8*time.Hour + time.Minute)
	res, err = r.ReclassifyAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Deactivated != 1 {
		t.Fatalf("result %+v, want one deactivation", res)
	}
	in := store.get("thin")
	if in.Active {
		t.Fatal("instrument still active after crossing into tier 2 with low volume")
	}
	if in.Tier != 1 {
		t.Fatalf("tier = %d, want unchanged 1", in.Tier)
	}
	last := store.audit[len(store.audit)-1]
	if last.Reason != domain.ReasonLowVolume || last.FromTier != 1 || last.ToTier != 2 {
		t.Fatalf("audit row %+v", last)
	}

	// Deactivated instruments are no longer reclassified.
	now = start.Add(19 * time.Hour)
	res, _ = r.ReclassifyAll(context.Background())
	if res.Checked != 0 {
		t.Fatalf("checked %d inactive instruments", res.Checked)
	}
}

func TestReclassifyKeepsHighVolumeActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(11 * time.Hour)
	store := newMemStore(domain.Instrument{ID: "deep", Active: true, EndDate: &end, Tier: 1, Volume24h: 50_000})
	r := newTestReclassifier(t, store, &now)

	if _, err := r.ReclassifyAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if in := store.get("deep"); in.Tier != 2 || !in.Active {
		t.Fatalf("got %+v, want active tier 2", in)
	}
}

func TestPlanSkipsUnchangedAndResolved(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(2 * time.Hour)
	r := newTestReclassifier(t, newMemStore(), &now)

	got := r.Plan([]domain.Instrument{
		{ID: "same", Active: true, EndDate: &end, Tier: 3},
		{ID: "resolved", Active: true, Resolved: true, EndDate: &end, Tier: 0},
		{ID: "closed", Active: true, Closed: true, EndDate: &end, Tier: 0},
	}, now)
	if len(got) != 0 {
		t.Fatalf("Plan = %+v, want none", got)
	}
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(30 * time.Minute)
	store := newMemStore(domain.Instrument{ID: "m1", Active: true, EndDate: &end})
	r := newTestReclassifier(t, store, &now)
	r.locks = heldLock{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx, time.Minute); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := store.get("m1").Tier; got != 0 {
		t.Fatalf("tier changed to %d while lock was held elsewhere", got)
	}
}
