package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// missingMarker is cached for items without a period price so repeated
// lookups do not reach Postgres.
const missingMarker = "-"

// CachedPriceBook is a Redis read-through cache in front of a PriceBook.
// Concurrent misses for the same key share one upstream lookup.
type CachedPriceBook struct {
	next   PriceBook
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedPriceBook wraps next with a Redis cache.
func NewCachedPriceBook(next PriceBook, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedPriceBook {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedPriceBook{next: next, client: client, ttl: ttl, logger: logger}
}

func priceKey(itemID, periodID int64) string {
	return fmt.Sprintf("periods:price:%d:%d", periodID, itemID)
}

// PeriodPrice implements PriceBook.
func (c *CachedPriceBook) PeriodPrice(ctx context.Context, itemID, periodID int64) (decimal.Decimal, error) {
	if c.client == nil {
		return c.next.PeriodPrice(ctx, itemID, periodID)
	}
	key := priceKey(itemID, periodID)
	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if raw == missingMarker {
			return decimal.Decimal{}, ErrPriceNotFound
		}
		price, perr := decimal.NewFromString(raw)
		if perr == nil {
			return price, nil
		}
		c.logger.Warn("discard malformed cached price", slog.String("key", key), slog.Any("error", perr))
	case !errors.Is(err, redis.Nil):
		// Cache outage degrades to direct lookups.
		c.logger.Warn("period price cache read failed", slog.Any("error", err))
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		price, err := c.next.PeriodPrice(ctx, itemID, periodID)
		if err != nil {
			if errors.Is(err, ErrPriceNotFound) {
				c.store(ctx, key, missingMarker)
			}
			return decimal.Decimal{}, err
		}
		c.store(ctx, key, price.String())
		return price, nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.(decimal.Decimal), nil
}

// Invalidate drops the cached price for an item in a period.
func (c *CachedPriceBook) Invalidate(ctx context.Context, itemID, periodID int64) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, priceKey(itemID, periodID)).Err()
}

func (c *CachedPriceBook) store(ctx context.Context, key, value string) {
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("period price cache write failed", slog.Any("error", err))
	}
}
