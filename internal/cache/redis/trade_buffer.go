package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// TradeBuffer implements domain.TradeBuffer with one Redis list per
// instrument, newest first.
//
// Key schema:
//
//	trades:{instrumentID} - list of JSON BufferedTrade, capped at maxLen
type TradeBuffer struct {
	rdb    *redis.Client
	ttl    time.Duration
	maxLen int64
	window time.Duration
	logger *slog.Logger
}

// NewTradeBuffer creates a TradeBuffer. Lists are trimmed to maxLen and
// expire ttl after the last push; Recent returns trades newer than window.
func NewTradeBuffer(c *Client, ttl time.Duration, maxLen int, window time.Duration) *TradeBuffer {
	if window <= 0 {
		window = time.Hour
	}
	return &TradeBuffer{
		rdb:    c.Underlying(),
		ttl:    ttl,
		maxLen: int64(maxLen),
		window: window,
		logger: c.componentLogger("trade_buffer"),
	}
}

func tradesKey(instrumentID string) string { return "trades:" + instrumentID }

// Push prepends a trade, trims the list and refreshes its TTL in a single
// transaction. Failures are logged and dropped.
func (tb *TradeBuffer) Push(ctx context.Context, instrumentID string, t domain.BufferedTrade) {
	data, err := json.Marshal(t)
	if err != nil {
		tb.logger.ErrorContext(ctx, "marshal trade", slog.String("error", err.Error()))
		return
	}

	key := tradesKey(instrumentID)
	pipe := tb.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, tb.maxLen-1)
	pipe.Expire(ctx, key, tb.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		tb.logger.WarnContext(ctx, "trade buffer write dropped",
			slog.String("instrument_id", instrumentID),
			slog.String("error", err.Error()),
		)
	}
}

// Recent returns the buffered trades newer than now minus the window,
// newest first. Entries that fail to decode are skipped.
func (tb *TradeBuffer) Recent(ctx context.Context, instrumentID string, now time.Time) []domain.BufferedTrade {
	raw, err := tb.rdb.LRange(ctx, tradesKey(instrumentID), 0, -1).Result()
	if err != nil {
		tb.logger.WarnContext(ctx, "trade buffer read failed, treating as miss",
			slog.String("instrument_id", instrumentID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	cutoff := now.Add(-tb.window)
	out := make([]domain.BufferedTrade, 0, len(raw))
	corrupt := 0
	for _, item := range raw {
		var t domain.BufferedTrade
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			corrupt++
			continue
		}
		if t.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, t)
	}
	if corrupt > 0 {
		tb.logger.DebugContext(ctx, "skipped corrupt buffered trades",
			slog.String("instrument_id", instrumentID),
			slog.Int("count", corrupt),
		)
	}
	return out
}

// Compile-time interface check.
var _ domain.TradeBuffer = (*TradeBuffer)(nil)
