package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polycollector/internal/domain"
)

// BookCache implements domain.BookCache. The stream collector writes the
// latest ladders; snapshot cycles read them before falling back to REST.
//
// Key schema:
//
//	book:{tokenID} - JSON OrderBook
type BookCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewBookCache creates a BookCache whose entries expire after ttl.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{rdb: c.Underlying(), ttl: ttl, logger: c.componentLogger("book_cache")}
}

func bookKey(tokenID string) string { return "book:" + tokenID }

// SetBook stores the latest ladders for book.TokenID.
func (bc *BookCache) SetBook(ctx context.Context, book domain.OrderBook) {
	data, err := json.Marshal(book)
	if err != nil {
		bc.logger.ErrorContext(ctx, "marshal book", slog.String("error", err.Error()))
		return
	}
	if err := bc.rdb.Set(ctx, bookKey(book.TokenID), data, bc.ttl).Err(); err != nil {
		bc.logger.WarnContext(ctx, "book write dropped",
			slog.String("token_id", book.TokenID),
			slog.String("error", err.Error()),
		)
	}
}

// GetBook returns the cached ladders for tokenID.
func (bc *BookCache) GetBook(ctx context.Context, tokenID string) (domain.OrderBook, bool) {
	data, err := bc.rdb.Get(ctx, bookKey(tokenID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			bc.logger.WarnContext(ctx, "book read failed, treating as miss", slog.String("error", err.Error()))
		}
		return domain.OrderBook{}, false
	}
	var book domain.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return domain.OrderBook{}, false
	}
	return book, true
}

// PriceCache implements domain.PriceCache with one hash per token.
//
// Key schema:
//
//	price:{tokenID} - hash with fields "p" (price) and "ts" (unix millis)
type PriceCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewPriceCache creates a PriceCache whose entries expire after ttl.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl, logger: c.componentLogger("price_cache")}
}

func priceKey(tokenID string) string { return "price:" + tokenID }

// SetPrice records the last price for tokenID.
func (pc *PriceCache) SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) {
	key := priceKey(tokenID)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"p", strconv.FormatFloat(price, 'f', -1, 64),
		"ts", strconv.FormatInt(ts.UnixMilli(), 10),
	)
	pipe.Expire(ctx, key, pc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		pc.logger.WarnContext(ctx, "price write dropped",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}
}

// GetPrice returns the last price for tokenID and when it was observed.
func (pc *PriceCache) GetPrice(ctx context.Context, tokenID string) (float64, time.Time, bool) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(tokenID)).Result()
	if err != nil {
		pc.logger.WarnContext(ctx, "price read failed, treating as miss", slog.String("error", err.Error()))
		return 0, time.Time{}, false
	}
	if len(vals) == 0 {
		return 0, time.Time{}, false
	}
	p, err := strconv.ParseFloat(vals["p"], 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	ms, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return p, time.UnixMilli(ms).UTC(), true
}

// Compile-time interface checks.
var (
	_ domain.BookCache  = (*BookCache)(nil)
	_ domain.PriceCache = (*PriceCache)(nil)
)
