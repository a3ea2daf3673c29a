package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit dsn wins", ClientConfig{DSN: "postgres://x", Host: "ignored"}, "postgres://x"},
		{"defaults", ClientConfig{Host: "db", User: "u", Password: "p", Database: "c"}, "postgres://u:p@db:5432/c?sslmode=disable"},
		{"custom port and ssl", ClientConfig{Host: "db", Port: 6543, User: "u", Password: "p", Database: "c", SSLMode: "require"}, "postgres://u:p@db:6543/c?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJSONOrNil(t *testing.T) {
	var flow *domain.TradeFlow
	if b, err := jsonOrNil(flow); err != nil || b != nil {
		t.Fatalf("nil pointer = %s, %v", b, err)
	}
	b, err := jsonOrNil(&domain.TradeFlow{Count: 2, VWAP: 0.5})
	if err != nil || string(b) != `{"count":2,"buy_volume":0,"sell_volume":0,"net_flow":0,"vwap":0.5}` {
		t.Fatalf("flow = %s, %v", b, err)
	}
}

// testClient connects to the database named by POLYCOLLECTOR_TEST_POSTGRES_DSN
// and applies migrations. Tests using it are skipped when the variable is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("POLYCOLLECTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLYCOLLECTOR_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return c
}

func TestInstrumentAndSnapshotStores(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	instruments := NewInstrumentStore(c.Pool())
	snapshots := NewSnapshotStore(c.Pool())

	id := "it-" + uuid.NewString()
	end := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	if err := instruments.UpsertBatch(ctx, []domain.Instrument{{
		ID: id, Question: "Will it?", TokenIDs: [2]string{id + "-y", id + "-n"},
		Active: true, EndDate: &end, Volume24h: 5000,
	}}); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	err := instruments.ApplyTransitions(ctx, []domain.TierTransition{{
		InstrumentID: id, FromTier: 0, ToTier: 3, Reason: domain.ReasonTimeRemaining, At: time.Now(),
	}})
	if err != nil {
		t.Fatalf("ApplyTransitions: %v", err)
	}

	byTier, err := instruments.ListByTier(ctx, 3)
	if err != nil {
		t.Fatalf("ListByTier: %v", err)
	}
	found := false
	for _, in := range byTier {
		if in.ID == id {
			found = true
			if in.EndDate == nil || !in.EndDate.Equal(end) {
				t.Errorf("end date = %v, want %v", in.EndDate, end)
			}
		}
	}
	if !found {
		t.Fatalf("instrument %s not listed in tier 3", id)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	hours := 3.0
	snap := domain.Snapshot{
		InstrumentID: id, CapturedAt: at, Tier: 3, Price: 0.4, BestBid: 0.39, BestAsk: 0.41, Spread: 0.02,
		BidAskSrc: "clob", Flow: &domain.TradeFlow{Count: 4, VWAP: 0.4}, HoursRemaining: &hours,
		HourOfDay: at.Hour(), DayOfWeek: int(at.Weekday()),
	}
	book := domain.OrderBook{TokenID: id + "-y", Bids: []domain.PriceLevel{{Price: 0.39, Size: 10}}, Timestamp: at, Source: domain.BookSourceCLOB}
	if err := snapshots.InsertCycle(ctx, []domain.Snapshot{snap}, []domain.OrderBook{book}); err != nil {
		t.Fatalf("InsertCycle: %v", err)
	}
	if err := instruments.MarkSnapshotted(ctx, []string{id}, at); err != nil {
		t.Fatalf("MarkSnapshotted: %v", err)
	}

	var got []domain.Snapshot
	err = snapshots.StreamRange(ctx, at, at.Add(time.Millisecond), func(s domain.Snapshot) error {
		if s.InstrumentID == id {
			got = append(got, s)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("StreamRange: %v", err)
	}
	if len(got) != 1 || got[0].Flow == nil || got[0].Flow.Count != 4 || got[0].Book != nil {
		t.Fatalf("streamed = %+v", got)
	}
}
