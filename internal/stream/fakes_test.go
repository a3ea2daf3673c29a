package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBuffer struct {
	mu     sync.Mutex
	trades map[string][]domain.BufferedTrade
}

func (b *memBuffer) Push(_ context.Context, id string, t domain.BufferedTrade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trades == nil {
		b.trades = make(map[string][]domain.BufferedTrade)
	}
	b.trades[id] = append(b.trades[id], t)
}

func (b *memBuffer) Recent(_ context.Context, id string, _ time.Time) []domain.BufferedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.BufferedTrade(nil), b.trades[id]...)
}

func (b *memBuffer) count(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.trades[id])
}

type memBooks struct {
	mu    sync.Mutex
	books map[string]domain.OrderBook
}

func (m *memBooks) SetBook(_ context.Context, b domain.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.books == nil {
		m.books = make(map[string]domain.OrderBook)
	}
	m.books[b.TokenID] = b
}

func (m *memBooks) GetBook(_ context.Context, token string) (domain.OrderBook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[token]
	return b, ok
}

type memPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (m *memPrices) SetPrice(_ context.Context, token string, p float64, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = make(map[string]float64)
	}
	m.prices[token] = p
}

func (m *memPrices) GetPrice(_ context.Context, token string) (float64, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[token]
	return p, time.Time{}, ok
}

type memTrades struct {
	mu     sync.Mutex
	fail   bool
	trades []domain.TradeRecord
	whales []domain.WhaleEvent
}

func (m *memTrades) InsertTrade(_ context.Context, t domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.trades = append(m.trades, t)
	return nil
}

func (m *memTrades) InsertWhaleEvent(_ context.Context, e domain.WhaleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.whales = append(m.whales, e)
	return nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func (m *memBus) Publish(_ context.Context, ch string, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.published == nil {
		m.published = make(map[string][][]byte)
	}
	m.published[ch] = append(m.published[ch], p)
	return nil
}

func (m *memBus) StreamAppend(_ context.Context, s string, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamed == nil {
		m.streamed = make(map[string][][]byte)
	}
	m.streamed[s] = append(m.streamed[s], p)
	return nil
}

type streamStore struct {
	mu          sync.Mutex
	instruments []domain.Instrument
	subscribed  map[string]bool
}

func (s *streamStore) UpsertBatch(context.Context, []domain.Instrument) error { return nil }
func (s *streamStore) ListActive(context.Context) ([]domain.Instrument, error) {
	return nil, nil
}
func (s *streamStore) ListByTier(context.Context, int) ([]domain.Instrument, error) {
	return nil, nil
}
func (s *streamStore) ListStreamable(context.Context, int) ([]domain.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Instrument, len(s.instruments))
	for i, in := range s.instruments {
		in.Subscribed = s.subscribed[in.ID]
		out[i] = in
	}
	return out, nil
}
func (s *streamStore) ApplyTransitions(context.Context, []domain.TierTransition) error { return nil }
func (s *streamStore) SetSubscribed(_ context.Context, ids []string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed == nil {
		s.subscribed = make(map[string]bool)
	}
	for _, id := range ids {
		s.subscribed[id] = v
	}
	return nil
}
func (s *streamStore) MarkSnapshotted(context.Context, []string, time.Time) error { return nil }

func (s *streamStore) isSubscribed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[id]
}
