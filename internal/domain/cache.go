package domain

import (
	"context"
	"errors"
	"time"
)

// The cache interfaces below never fail their callers: when the backing
// store is unreachable reads report a miss and writes are dropped.

// ListingCache holds the most recent full listing for a short TTL.
type ListingCache interface {
	SetListing(ctx context.Context, entries []ListingEntry)
	GetListing(ctx context.Context) ([]ListingEntry, bool)
}

// TradeBuffer is the rolling per-instrument window of recent trades.
type TradeBuffer interface {
	Push(ctx context.Context, instrumentID string, t BufferedTrade)
	Recent(ctx context.Context, instrumentID string, now time.Time) []BufferedTrade
}

// BookCache stores the latest ladders per outcome token.
type BookCache interface {
	SetBook(ctx context.Context, book OrderBook)
	GetBook(ctx context.Context, tokenID string) (OrderBook, bool)
}

// PriceCache stores the last traded or quoted price per outcome token.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time)
	GetPrice(ctx context.Context, tokenID string) (float64, time.Time, bool)
}

// LockManager provides distributed locking for single-runner jobs.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus fans out events to other processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// WithLock runs fn while holding key. It reports false without running fn
// when another holder has the lock.
func WithLock(ctx context.Context, lm LockManager, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	unlock, err := lm.Acquire(ctx, key, ttl)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return false, nil
		}
		return false, err
	}
	defer unlock()
	return true, fn(ctx)
}
