package ncr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Repository persists NCRs in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, maxAttempts int) *Repository {
	return &Repository{pool: pool, maxAttempts: maxAttempts}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a retried repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithRetryTx(ctx, r.pool, r.maxAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if errors.Is(err, db.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %v", shared.ErrConcurrentModification, err)
	}
	return err
}

const columns = `id, number, type, status, delivery_id, delivery_line_id, item_id, location_id, quantity,
unit_price, period_price, value, auto_generated, description, resolution_type, financial_impact,
resolved_by, resolved_at, created_by, created_at, updated_at`

func scan(row pgx.Row) (NCR, error) {
	var (
		n                           NCR
		typ, status, resType, impact string
	)
	err := row.Scan(&n.ID, &n.Number, &typ, &status, &n.DeliveryID, &n.DeliveryLineID, &n.ItemID, &n.LocationID,
		&n.Quantity, &n.UnitPrice, &n.PeriodPrice, &n.Value, &n.AutoGenerated, &n.Description, &resType, &impact,
		&n.ResolvedBy, &n.ResolvedAt, &n.CreatedBy, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NCR{}, fmt.Errorf("%w: ncr", shared.ErrNotFound)
		}
		return NCR{}, err
	}
	n.Type = Type(typ)
	n.Status = Status(status)
	n.ResolutionType = ResolutionType(resType)
	n.FinancialImpact = FinancialImpact(impact)
	return n, nil
}

// Get returns one NCR.
func (r *Repository) Get(ctx context.Context, id int64) (NCR, error) {
	return scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM ncrs WHERE id=$1`, id))
}

// ListByDelivery returns NCRs raised against a delivery, oldest first.
func (r *Repository) ListByDelivery(ctx context.Context, deliveryID int64) ([]NCR, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM ncrs WHERE delivery_id=$1 ORDER BY id`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NCR
	for rows.Next() {
		n, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *txRepo) NextSequence(ctx context.Context, prefix string, locationID int64, day time.Time) (string, int, error) {
	return procurement.AllocateSequence(ctx, t.tx, prefix, locationID, day)
}

func (t *txRepo) Insert(ctx context.Context, n NCR) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO ncrs (number, type, status, delivery_id, delivery_line_id, item_id, location_id,
quantity, unit_price, period_price, value, auto_generated, description, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
		n.Number, string(n.Type), string(n.Status), n.DeliveryID, n.DeliveryLineID, n.ItemID, n.LocationID,
		n.Quantity, n.UnitPrice, n.PeriodPrice, n.Value, n.AutoGenerated, n.Description, n.CreatedBy,
		n.CreatedAt, n.UpdatedAt).Scan(&id)
	if err != nil && db.IsUniqueViolation(err) {
		return 0, fmt.Errorf("%w: NCR already exists for delivery line", shared.ErrInvalidStateTransition)
	}
	return id, err
}

func (t *txRepo) Lock(ctx context.Context, id int64) (NCR, error) {
	return scan(t.tx.QueryRow(ctx, `SELECT `+columns+` FROM ncrs WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepo) Update(ctx context.Context, n NCR) error {
	_, err := t.tx.Exec(ctx, `UPDATE ncrs SET status=$2, resolution_type=$3, financial_impact=$4,
resolved_by=$5, resolved_at=$6, updated_at=$7 WHERE id=$1`,
		n.ID, string(n.Status), string(n.ResolutionType), string(n.FinancialImpact), n.ResolvedBy, n.ResolvedAt, n.UpdatedAt)
	return err
}

func (t *txRepo) ExistsForDeliveryLine(ctx context.Context, deliveryLineID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ncrs WHERE delivery_line_id=$1 AND type=$2)`,
		deliveryLineID, string(TypePriceVariance)).Scan(&exists)
	return exists, err
}
