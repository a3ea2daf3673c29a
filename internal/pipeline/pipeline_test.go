package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCronAndNext(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 7, 30, 0, time.UTC) // Wednesday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 4, 10, 8, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)},
		{"5,40 10 * * *", time.Date(2026, 3, 4, 10, 40, 0, 0, time.UTC)},
		{"0 9-17/4 * * *", time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"30 2 * * 0", time.Date(2026, 3, 8, 2, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sched, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatal(err)
			}
			got, err := sched.Next(base)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseCronRejectsInvalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "61 * * * *", "*/0 * * * *", "a * * * *", "5-2 * * * *", "* 24 * * *"} {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) accepted", expr)
		}
	}
}

type fakeArchive struct {
	calls  int
	before time.Time
}

func (f *fakeArchive) ArchiveSnapshots(_ context.Context, before time.Time) (int64, error) {
	f.calls++
	f.before = before
	return 3, nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestArchiverRun(t *testing.T) {
	fa := &fakeArchive{}
	a := NewArchiver(fa, nil, 30, discardLogger())
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	ran, err := a.Run(context.Background())
	if err != nil || !ran {
		t.Fatalf("Run = %v, %v", ran, err)
	}
	if want := now.Add(-30 * 24 * time.Hour); !fa.before.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", fa.before, want)
	}

	a.locks = heldLock{}
	ran, err = a.Run(context.Background())
	if err != nil || ran {
		t.Fatalf("Run with lock held = %v, %v", ran, err)
	}
	if fa.calls != 1 {
		t.Fatalf("archive called %d times", fa.calls)
	}
}

type fakeFetcher struct {
	active   []domain.ListingEntry
	byID     map[string]domain.ListingEntry
	askedFor []string
	listErr  error
}

func (f *fakeFetcher) ListActive(context.Context) ([]domain.ListingEntry, error) {
	return f.active, f.listErr
}

func (f *fakeFetcher) GetByIDs(_ context.Context, ids []string) ([]domain.ListingEntry, error) {
	f.askedFor = append(f.askedFor, ids...)
	var out []domain.ListingEntry
	for _, id := range ids {
		if e, ok := f.byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

type syncStore struct {
	active   []domain.Instrument
	upserted []domain.Instrument
}

func (s *syncStore) UpsertBatch(_ context.Context, in []domain.Instrument) error {
	s.upserted = append(s.upserted, in...)
	return nil
}
func (s *syncStore) ListActive(context.Context) ([]domain.Instrument, error) { return s.active, nil }
func (s *syncStore) ListByTier(context.Context, int) ([]domain.Instrument, error) {
	return nil, nil
}
func (s *syncStore) ListStreamable(context.Context, int) ([]domain.Instrument, error) {
	return nil, nil
}
func (s *syncStore) ApplyTransitions(context.Context, []domain.TierTransition) error { return nil }
func (s *syncStore) SetSubscribed(context.Context, []string, bool) error            { return nil }
func (s *syncStore) MarkSnapshotted(context.Context, []string, time.Time) error     { return nil }

type memListing struct{ entries []domain.ListingEntry }

func (m *memListing) SetListing(_ context.Context, e []domain.ListingEntry) { m.entries = e }
func (m *memListing) GetListing(context.Context) ([]domain.ListingEntry, bool) {
	return m.entries, len(m.entries) > 0
}

func TestListingSyncPropagatesResolution(t *testing.T) {
	fetcher := &fakeFetcher{
		active: []domain.ListingEntry{{ID: "live", Active: true}},
		byID:   map[string]domain.ListingEntry{"done": {ID: "done", Active: true, Closed: true, Resolved: true}},
	}
	store := &syncStore{active: []domain.Instrument{{ID: "live", Active: true}, {ID: "done", Active: true}}}
	cache := &memListing{}
	s := NewListingSync(fetcher, cache, store, discardLogger())

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Listed != 1 || res.Refreshed != 1 || res.Upserted != 2 {
		t.Fatalf("result %+v", res)
	}
	if len(fetcher.askedFor) != 1 || fetcher.askedFor[0] != "done" {
		t.Fatalf("refreshed ids %v", fetcher.askedFor)
	}
	var done domain.Instrument
	for _, in := range store.upserted {
		if in.ID == "done" {
			done = in
		}
	}
	if !done.Resolved || !done.Closed {
		t.Fatalf("resolution not propagated: %+v", done)
	}
	if len(cache.entries) != 1 {
		t.Fatal("fetched listing not cached")
	}
}

func TestListingSyncUsesWarmCache(t *testing.T) {
	fetcher := &fakeFetcher{listErr: errors.New("must not be called")}
	store := &syncStore{}
	cache := &memListing{entries: []domain.ListingEntry{{ID: "a", Active: true}}}
	s := NewListingSync(fetcher, cache, store, discardLogger())

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Upserted != 1 {
		t.Fatalf("result %+v", res)
	}
}

func TestListingSyncFetchError(t *testing.T) {
	s := NewListingSync(&fakeFetcher{listErr: errors.New("boom")}, nil, &syncStore{}, discardLogger())
	if _, err := s.Run(context.Background()); err == nil {
		t.Fatal("fetch error swallowed")
	}
}
