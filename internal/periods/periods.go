// Package periods resolves the authoritative per-period item prices used
// for delivery price variance checks.
package periods

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrPriceNotFound indicates the period has no reference price for the item.
var ErrPriceNotFound = errors.New("periods: price not found")

// PriceBook looks up the reference price of an item in a period.
type PriceBook interface {
	PeriodPrice(ctx context.Context, itemID, periodID int64) (decimal.Decimal, error)
}

// Repository reads period prices from Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PeriodPrice implements PriceBook.
func (r *Repository) PeriodPrice(ctx context.Context, itemID, periodID int64) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT price FROM period_prices WHERE period_id=$1 AND item_id=$2`, periodID, itemID).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrPriceNotFound
		}
		return decimal.Decimal{}, err
	}
	return price, nil
}
