package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestListingCacheRoundTripAndExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	lc := NewListingCache(c, 30*time.Second)
	ctx := context.Background()

	if _, ok := lc.GetListing(ctx); ok {
		t.Fatal("empty cache reported a hit")
	}

	entries := []domain.ListingEntry{
		{ID: "1", TokenIDs: [2]string{"a", "b"}, Price: 0.4, Volume24h: 100},
		{ID: "2", TokenIDs: [2]string{"c", "d"}, Price: 0.9},
	}
	lc.SetListing(ctx, entries)

	got, ok := lc.GetListing(ctx)
	if !ok || len(got) != 2 || got[0].TokenIDs[1] != "b" || got[1].Price != 0.9 {
		t.Fatalf("GetListing = %+v, %v", got, ok)
	}

	mr.FastForward(31 * time.Second)
	if _, ok := lc.GetListing(ctx); ok {
		t.Fatal("listing should have expired")
	}
}

func TestTradeBufferPushTrimAndRecent(t *testing.T) {
	c, mr := newTestClient(t)
	tb := NewTradeBuffer(c, time.Hour, 5, time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		tb.Push(ctx, "m1", domain.BufferedTrade{
			Timestamp: now.Add(-time.Duration(8-i) * time.Minute),
			Price:     0.5,
			Size:      float64(i + 1),
			Side:      domain.SideBuy,
		})
	}

	if n, _ := c.Underlying().LLen(ctx, "trades:m1").Result(); n != 5 {
		t.Fatalf("list length = %d, want 5", n)
	}
	if ttl := mr.TTL("trades:m1"); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}

	got := tb.Recent(ctx, "m1", now)
	if len(got) != 5 {
		t.Fatalf("recent = %d, want 5", len(got))
	}
	if got[0].Size != 8 {
		t.Fatalf("newest trade size = %v, want 8", got[0].Size)
	}
}

func TestTradeBufferRecentFiltersWindowAndCorruptEntries(t *testing.T) {
	c, _ := newTestClient(t)
	tb := NewTradeBuffer(c, 2*time.Hour, 100, time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tb.Push(ctx, "m1", domain.BufferedTrade{Timestamp: now.Add(-90 * time.Minute), Price: 0.3, Size: 1, Side: domain.SideSell})
	tb.Push(ctx, "m1", domain.BufferedTrade{Timestamp: now.Add(-10 * time.Minute), Price: 0.3, Size: 2, Side: domain.SideSell})
	c.Underlying().LPush(ctx, "trades:m1", "{not json")
	tb.Push(ctx, "m1", domain.BufferedTrade{Timestamp: now.Add(-time.Minute), Price: 0.3, Size: 3, Side: domain.SideBuy})

	got := tb.Recent(ctx, "m1", now)
	if len(got) != 2 {
		t.Fatalf("recent = %+v, want 2 trades inside the hour", got)
	}
	if got[0].Size != 3 || got[1].Size != 2 {
		t.Fatalf("recent order = %+v", got)
	}
}

func TestCachesDegradeWhenRedisFails(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	lc := NewListingCache(c, time.Minute)
	tb := NewTradeBuffer(c, time.Hour, 10, time.Hour)
	bc := NewBookCache(c, time.Minute)
	pc := NewPriceCache(c, time.Minute)

	lc.SetListing(ctx, []domain.ListingEntry{{ID: "1"}})
	mr.SetError("LOADING server is loading")

	// Writes must not panic or block; reads report a miss.
	lc.SetListing(ctx, []domain.ListingEntry{{ID: "2"}})
	tb.Push(ctx, "m1", domain.BufferedTrade{Timestamp: time.Now(), Price: 0.5, Size: 1, Side: domain.SideBuy})
	bc.SetBook(ctx, domain.OrderBook{TokenID: "a"})
	pc.SetPrice(ctx, "a", 0.5, time.Now())

	if _, ok := lc.GetListing(ctx); ok {
		t.Error("listing read should miss while redis errors")
	}
	if got := tb.Recent(ctx, "m1", time.Now()); got != nil {
		t.Errorf("Recent = %v, want nil", got)
	}
	if _, ok := bc.GetBook(ctx, "a"); ok {
		t.Error("book read should miss")
	}
	if _, _, ok := pc.GetPrice(ctx, "a"); ok {
		t.Error("price read should miss")
	}

	mr.SetError("")
	if got, ok := lc.GetListing(ctx); !ok || got[0].ID != "1" {
		t.Fatalf("listing after recovery = %+v, %v", got, ok)
	}
}

func TestBookAndPriceCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	bc := NewBookCache(c, 2*time.Minute)
	pc := NewPriceCache(c, 2*time.Minute)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	bc.SetBook(ctx, domain.OrderBook{
		TokenID:   "tok",
		Bids:      []domain.PriceLevel{{Price: 0.45, Size: 10}},
		Asks:      []domain.PriceLevel{{Price: 0.55, Size: 4}},
		Timestamp: ts,
		Source:    domain.BookSourceStream,
	})
	book, ok := bc.GetBook(ctx, "tok")
	if !ok || book.Bids[0].Price != 0.45 || !book.Timestamp.Equal(ts) {
		t.Fatalf("GetBook = %+v, %v", book, ok)
	}

	pc.SetPrice(ctx, "tok", 0.47, ts)
	p, at, ok := pc.GetPrice(ctx, "tok")
	if !ok || p != 0.47 || !at.Equal(ts) {
		t.Fatalf("GetPrice = %v, %v, %v", p, at, ok)
	}

	mr.FastForward(3 * time.Minute)
	if _, ok := bc.GetBook(ctx, "tok"); ok {
		t.Error("book should have expired")
	}
	if _, _, ok := pc.GetPrice(ctx, "tok"); ok {
		t.Error("price should have expired")
	}
}

func TestLockManager(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "reclassify", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := lm.Acquire(ctx, "reclassify", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire = %v, want ErrLockHeld", err)
	}

	ran, err := domain.WithLock(ctx, lm, "reclassify", time.Minute, func(context.Context) error { return nil })
	if ran || err != nil {
		t.Fatalf("WithLock while held = %v, %v; want skip", ran, err)
	}

	unlock()
	unlock()

	ran, err = domain.WithLock(ctx, lm, "reclassify", time.Minute, func(context.Context) error { return nil })
	if !ran || err != nil {
		t.Fatalf("WithLock after release = %v, %v", ran, err)
	}
}

func TestLockUnlockDoesNotReleaseForeignHolder(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "archive", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	unlock2, err := lm.Acquire(ctx, "archive", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	defer unlock2()

	unlock()
	if !mr.Exists("lock:archive") {
		t.Fatal("stale holder released the new holder's lock")
	}
}

func TestSignalBusPublishAndStream(t *testing.T) {
	c, mr := newTestClient(t)
	sb := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := sb.Subscribe(ctx, "whale:events")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sb.Publish(ctx, "whale:events", []byte(`{"whale_tier":3}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-sub:
		if string(msg) != `{"whale_tier":3}` {
			t.Fatalf("payload = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	for i := 0; i < 3; i++ {
		if err := sb.StreamAppend(ctx, "whale:stream", []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("StreamAppend: %v", err)
		}
	}
	entries, err := mr.Stream("whale:stream")
	if err != nil || len(entries) != 3 {
		t.Fatalf("stream entries = %d, %v", len(entries), err)
	}
}
