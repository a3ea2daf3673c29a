package stream

import (
	"sync"
	"time"
)

// rateWindow is the window the trade-rate floor is measured over.
const rateWindow = 5 * time.Minute

// HealthPolicy decides when a connection must be recycled.
type HealthPolicy struct {
	StaleThreshold time.Duration
	// MinTrades is the minimum trade count per rateWindow expected from a
	// connection carrying at least MinSubs instruments.
	MinTrades int
	MinSubs   int
}

// Health tracks activity on one connection. It is safe for concurrent use.
type Health struct {
	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time
	trades       []time.Time
}

// Reset marks a fresh connection at now.
func (h *Health) Reset(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectedAt = now
	h.lastActivity = now
	h.trades = h.trades[:0]
}

// Touch records any inbound frame.
func (h *Health) Touch(now time.Time) {
	h.mu.Lock()
	h.lastActivity = now
	h.mu.Unlock()
}

// RecordTrade records an accepted trade.
func (h *Health) RecordTrade(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = now
	h.trades = append(h.trades, now)
	h.prune(now)
}

// LastActivity returns the time of the last inbound frame.
func (h *Health) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// TradesInWindow returns the number of trades over the last five minutes.
func (h *Health) TradesInWindow(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(now)
	return len(h.trades)
}

// Check returns a non-empty reason when the connection should be recycled.
// The trade-rate floor only applies once the connection has been up for a
// full window and carries at least MinSubs instruments.
func (h *Health) Check(now time.Time, subs int, p HealthPolicy) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(now)

	if p.StaleThreshold > 0 && now.Sub(h.lastActivity) > p.StaleThreshold {
		return "stale"
	}
	if p.MinTrades > 0 && p.MinSubs > 0 && subs >= p.MinSubs &&
		now.Sub(h.connectedAt) >= rateWindow && len(h.trades) < p.MinTrades {
		return "low_trade_rate"
	}
	return ""
}

func (h *Health) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(h.trades) && h.trades[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		h.trades = append(h.trades[:0], h.trades[i:]...)
	}
}
