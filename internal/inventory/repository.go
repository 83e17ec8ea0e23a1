package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads stock balances outside of a transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetBalance returns the current balance for an item at a location.
func (r *Repository) GetBalance(ctx context.Context, locationID, itemID int64) (Balance, error) {
	return scanBalance(r.pool.QueryRow(ctx, `SELECT location_id, item_id, qty, avg_cost, updated_at
FROM stock_balances WHERE location_id=$1 AND item_id=$2`, locationID, itemID))
}

type txStore struct {
	tx pgx.Tx
}

// NewTxStore binds a TxStore to an open transaction.
func NewTxStore(tx pgx.Tx) TxStore {
	return &txStore{tx: tx}
}

func (s *txStore) GetBalanceForUpdate(ctx context.Context, locationID, itemID int64) (Balance, error) {
	balance, err := scanBalance(s.tx.QueryRow(ctx, `SELECT location_id, item_id, qty, avg_cost, updated_at
FROM stock_balances WHERE location_id=$1 AND item_id=$2 FOR UPDATE`, locationID, itemID))
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{LocationID: locationID, ItemID: itemID}, err
	}
	return balance, err
}

func (s *txStore) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO stock_balances (location_id, item_id, qty, avg_cost, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (location_id, item_id) DO UPDATE SET qty=EXCLUDED.qty, avg_cost=EXCLUDED.avg_cost, updated_at=EXCLUDED.updated_at`,
		balance.LocationID, balance.ItemID, balance.Qty, balance.AvgCost, balance.UpdatedAt)
	return err
}

func (s *txStore) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := s.tx.QueryRow(ctx, `INSERT INTO stock_movements
(movement_type, location_id, item_id, qty_in, unit_cost, balance_qty, balance_cost, ref_module, ref_id, note, actor_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		string(m.Type), m.LocationID, m.ItemID, m.QtyIn, m.UnitCost, m.BalanceQty, m.BalanceCost,
		m.RefModule, m.RefID, m.Note, m.ActorID, m.PostedAt).Scan(&id)
	return id, err
}

func scanBalance(row pgx.Row) (Balance, error) {
	var b Balance
	if err := row.Scan(&b.LocationID, &b.ItemID, &b.Qty, &b.AvgCost, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return b, nil
}
