package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewRepository constructs a repository. maxAttempts bounds serialization
// retries of each transaction.
func NewRepository(pool *pgxpool.Pool, maxAttempts int) *Repository {
	return &Repository{pool: pool, maxAttempts: maxAttempts}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction, retried on
// serialization failures and deadlocks.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithRetryTx(ctx, r.pool, r.maxAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if errors.Is(err, db.ErrRetriesExhausted) {
		return fmt.Errorf("%w: %v", shared.ErrConcurrentModification, err)
	}
	return err
}

// Fetch helpers

const prfColumns = `id, number, requester_id, location_id, period_id, status, notes, rejection_reason, approved_by, approved_at, created_at, updated_at`

func scanPRF(row pgx.Row) (PRF, error) {
	var p PRF
	var status string
	err := row.Scan(&p.ID, &p.Number, &p.RequesterID, &p.LocationID, &p.PeriodID, &status, &p.Notes,
		&p.RejectionReason, &p.ApprovedBy, &p.ApprovedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PRF{}, fmt.Errorf("%w: requisition", shared.ErrNotFound)
		}
		return PRF{}, err
	}
	p.Status = PRFStatus(status)
	return p, nil
}

func loadPRFLines(ctx context.Context, q querier, prfID int64) ([]PRFLine, error) {
	rows, err := q.Query(ctx, `SELECT id, prf_id, item_id, description, quantity, estimated_price
FROM prf_lines WHERE prf_id=$1 ORDER BY id`, prfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []PRFLine
	for rows.Next() {
		var l PRFLine
		if err := rows.Scan(&l.ID, &l.PRFID, &l.ItemID, &l.Description, &l.Quantity, &l.EstimatedPrice); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func getPRF(ctx context.Context, q querier, id int64, lock bool) (PRF, error) {
	sql := `SELECT ` + prfColumns + ` FROM prfs WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	prf, err := scanPRF(q.QueryRow(ctx, sql, id))
	if err != nil {
		return PRF{}, err
	}
	prf.Lines, err = loadPRFLines(ctx, q, id)
	return prf, err
}

// GetPRF returns a requisition and its lines.
func (r *Repository) GetPRF(ctx context.Context, id int64) (PRF, error) {
	return getPRF(ctx, r.pool, id, false)
}

const poColumns = `id, number, prf_id, supplier_id, location_id, period_id, status, notes,
total_before_discount, total_discount, total_after_discount, total_vat, total_amount,
created_by, closed_by, closed_at, closure_reason, auto_closed, created_at, updated_at`

func scanPO(row pgx.Row) (PO, error) {
	var p PO
	var status string
	err := row.Scan(&p.ID, &p.Number, &p.PRFID, &p.SupplierID, &p.LocationID, &p.PeriodID, &status, &p.Notes,
		&p.TotalBeforeDiscount, &p.TotalDiscount, &p.TotalAfterDiscount, &p.TotalVAT, &p.TotalAmount,
		&p.CreatedBy, &p.ClosedBy, &p.ClosedAt, &p.ClosureReason, &p.AutoClosed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PO{}, fmt.Errorf("%w: purchase order", shared.ErrNotFound)
		}
		return PO{}, err
	}
	p.Status = POStatus(status)
	return p, nil
}

func loadPOLines(ctx context.Context, q querier, poID int64, lock bool) ([]POLine, error) {
	sql := `SELECT id, po_id, item_id, description, quantity, delivered_qty, unit_price, discount_percent, vat_percent
FROM po_lines WHERE po_id=$1 ORDER BY id`
	if lock {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var l POLine
		if err := rows.Scan(&l.ID, &l.POID, &l.ItemID, &l.Description, &l.Quantity, &l.DeliveredQty,
			&l.UnitPrice, &l.DiscountPercent, &l.VATPercent); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func getPO(ctx context.Context, q querier, id int64, lock bool) (PO, error) {
	sql := `SELECT ` + poColumns + ` FROM pos WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	po, err := scanPO(q.QueryRow(ctx, sql, id))
	if err != nil {
		return PO{}, err
	}
	po.Lines, err = loadPOLines(ctx, q, id, lock)
	return po, err
}

// GetPO returns an order and its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PO, error) {
	return getPO(ctx, r.pool, id, false)
}

// ListOpenPOs returns OPEN orders of a location, newest first.
func (r *Repository) ListOpenPOs(ctx context.Context, locationID int64) ([]PO, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM pos
WHERE location_id=$1 AND status='OPEN' ORDER BY created_at DESC, id DESC`, locationID)
	if err != nil {
		return nil, err
	}
	var pos []PO
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pos = append(pos, po)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range pos {
		if pos[i].Lines, err = loadPOLines(ctx, r.pool, pos[i].ID, false); err != nil {
			return nil, err
		}
	}
	return pos, nil
}

const deliveryColumns = `id, number, po_id, supplier_id, location_id, period_id, invoice_number, delivery_date,
status, pending_approval, over_delivery_rejected, notes, created_by, posted_by, posted_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	var status string
	err := row.Scan(&d.ID, &d.Number, &d.POID, &d.SupplierID, &d.LocationID, &d.PeriodID, &d.InvoiceNumber, &d.DeliveryDate,
		&status, &d.PendingApproval, &d.OverDeliveryRejected, &d.Notes, &d.CreatedBy, &d.PostedBy, &d.PostedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delivery{}, fmt.Errorf("%w: delivery", shared.ErrNotFound)
		}
		return Delivery{}, err
	}
	d.Status = DeliveryStatus(status)
	return d, nil
}

func loadDeliveryLines(ctx context.Context, q querier, deliveryID int64) ([]DeliveryLine, error) {
	rows, err := q.Query(ctx, `SELECT id, delivery_id, po_line_id, item_id, quantity, unit_price, period_price,
price_variance, over_delivery, over_delivery_approved
FROM delivery_lines WHERE delivery_id=$1 ORDER BY id`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []DeliveryLine
	for rows.Next() {
		var l DeliveryLine
		if err := rows.Scan(&l.ID, &l.DeliveryID, &l.POLineID, &l.ItemID, &l.Quantity, &l.UnitPrice, &l.PeriodPrice,
			&l.PriceVariance, &l.OverDelivery, &l.OverDeliveryApproved); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func getDelivery(ctx context.Context, q querier, id int64, lock bool) (Delivery, error) {
	sql := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id=$1`
	if lock {
		sql += ` FOR UPDATE`
	}
	d, err := scanDelivery(q.QueryRow(ctx, sql, id))
	if err != nil {
		return Delivery{}, err
	}
	d.Lines, err = loadDeliveryLines(ctx, q, id)
	return d, err
}

// GetDelivery returns a delivery and its lines.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return getDelivery(ctx, r.pool, id, false)
}

// ListPendingDeliveries returns deliveries awaiting over-delivery approval
// that were last touched before updatedBefore.
func (r *Repository) ListPendingDeliveries(ctx context.Context, updatedBefore time.Time) ([]Delivery, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deliveryColumns+` FROM deliveries
WHERE pending_approval AND status='DRAFT' AND NOT over_delivery_rejected AND updated_at < $1
ORDER BY updated_at`, updatedBefore)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Lines, err = loadDeliveryLines(ctx, r.pool, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Transactional operations

func (t *txRepo) NextSequence(ctx context.Context, prefix string, locationID int64, day time.Time) (string, int, error) {
	return AllocateSequence(ctx, t.tx, prefix, locationID, day)
}

// AllocateSequence bumps the daily counter for prefix at the location's code
// inside tx. Other document modules share the same document_sequences table.
func AllocateSequence(ctx context.Context, tx pgx.Tx, prefix string, locationID int64, day time.Time) (string, int, error) {
	var code string
	err := tx.QueryRow(ctx, `SELECT code FROM locations WHERE id=$1`, locationID).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, fmt.Errorf("%w: location %d", shared.ErrNotFound, locationID)
		}
		return "", 0, err
	}
	var seq int
	err = tx.QueryRow(ctx, `INSERT INTO document_sequences (prefix, location_code, seq_date, last_seq)
VALUES ($1, $2, $3, 1)
ON CONFLICT (prefix, location_code, seq_date) DO UPDATE SET last_seq = document_sequences.last_seq + 1
RETURNING last_seq`, prefix, code, time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)).Scan(&seq)
	if err != nil {
		return "", 0, err
	}
	return code, seq, nil
}

func (t *txRepo) IncrementDelivered(ctx context.Context, poLineID int64, qty decimal.Decimal) (decimal.Decimal, error) {
	var delivered decimal.Decimal
	err := t.tx.QueryRow(ctx, `UPDATE po_lines SET delivered_qty = delivered_qty + $2 WHERE id=$1 RETURNING delivered_qty`,
		poLineID, qty).Scan(&delivered)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: po line %d", shared.ErrLineNotFound, poLineID)
	}
	return delivered, err
}

func (t *txRepo) InsertPRF(ctx context.Context, p PRF) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO prfs (number, requester_id, location_id, period_id, status, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		p.Number, p.RequesterID, p.LocationID, p.PeriodID, string(p.Status), p.Notes, p.CreatedAt, p.UpdatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) ReplacePRFLines(ctx context.Context, prfID int64, lines []PRFLine) ([]PRFLine, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM prf_lines WHERE prf_id=$1`, prfID); err != nil {
		return nil, err
	}
	out := make([]PRFLine, 0, len(lines))
	for _, l := range lines {
		l.PRFID = prfID
		err := t.tx.QueryRow(ctx, `INSERT INTO prf_lines (prf_id, item_id, description, quantity, estimated_price)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, prfID, l.ItemID, l.Description, l.Quantity, l.EstimatedPrice).Scan(&l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *txRepo) LockPRF(ctx context.Context, id int64) (PRF, error) {
	return getPRF(ctx, t.tx, id, true)
}

func (t *txRepo) UpdatePRF(ctx context.Context, p PRF) error {
	_, err := t.tx.Exec(ctx, `UPDATE prfs SET period_id=$2, status=$3, notes=$4, rejection_reason=$5,
approved_by=$6, approved_at=$7, updated_at=$8 WHERE id=$1`,
		p.ID, p.PeriodID, string(p.Status), p.Notes, p.RejectionReason, p.ApprovedBy, p.ApprovedAt, p.UpdatedAt)
	return err
}

func (t *txRepo) DeletePRF(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM prfs WHERE id=$1`, id)
	return err
}

func (t *txRepo) PRFHasPO(ctx context.Context, prfID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pos WHERE prf_id=$1)`, prfID).Scan(&exists)
	return exists, err
}

func (t *txRepo) InsertPO(ctx context.Context, p PO) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO pos (number, prf_id, supplier_id, location_id, period_id, status, notes,
total_before_discount, total_discount, total_after_discount, total_vat, total_amount, created_by, auto_closed, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false,$14,$15) RETURNING id`,
		p.Number, p.PRFID, p.SupplierID, p.LocationID, p.PeriodID, string(p.Status), p.Notes,
		p.TotalBeforeDiscount, p.TotalDiscount, p.TotalAfterDiscount, p.TotalVAT, p.TotalAmount,
		p.CreatedBy, p.CreatedAt, p.UpdatedAt).Scan(&id)
	if err != nil && db.IsUniqueViolation(err) && p.PRFID != nil {
		return 0, fmt.Errorf("%w: requisition %d already has a purchase order", shared.ErrInvalidStateTransition, *p.PRFID)
	}
	return id, err
}

func (t *txRepo) InsertPOLines(ctx context.Context, poID int64, lines []POLine) ([]POLine, error) {
	out := make([]POLine, 0, len(lines))
	for _, l := range lines {
		l.POID = poID
		err := t.tx.QueryRow(ctx, `INSERT INTO po_lines (po_id, item_id, description, quantity, delivered_qty, unit_price, discount_percent, vat_percent)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
			poID, l.ItemID, l.Description, l.Quantity, l.DeliveredQty, l.UnitPrice, l.DiscountPercent, l.VATPercent).Scan(&l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *txRepo) LockPO(ctx context.Context, id int64) (PO, error) {
	return getPO(ctx, t.tx, id, true)
}

// UpdatePO writes header fields only; delivered_qty is owned by
// IncrementDelivered.
func (t *txRepo) UpdatePO(ctx context.Context, p PO) error {
	_, err := t.tx.Exec(ctx, `UPDATE pos SET status=$2, notes=$3, closed_by=$4, closed_at=$5, closure_reason=$6,
auto_closed=$7, updated_at=$8 WHERE id=$1`,
		p.ID, string(p.Status), p.Notes, p.ClosedBy, p.ClosedAt, p.ClosureReason, p.AutoClosed, p.UpdatedAt)
	return err
}

func (t *txRepo) InsertDelivery(ctx context.Context, d Delivery) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO deliveries (number, po_id, supplier_id, location_id, period_id, invoice_number,
delivery_date, status, pending_approval, over_delivery_rejected, notes, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		d.Number, d.POID, d.SupplierID, d.LocationID, d.PeriodID, d.InvoiceNumber, d.DeliveryDate, string(d.Status),
		d.PendingApproval, d.OverDeliveryRejected, d.Notes, d.CreatedBy, d.CreatedAt, d.UpdatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) ReplaceDeliveryLines(ctx context.Context, deliveryID int64, lines []DeliveryLine) ([]DeliveryLine, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM delivery_lines WHERE delivery_id=$1`, deliveryID); err != nil {
		return nil, err
	}
	out := make([]DeliveryLine, 0, len(lines))
	for _, l := range lines {
		l.DeliveryID = deliveryID
		err := t.tx.QueryRow(ctx, `INSERT INTO delivery_lines (delivery_id, po_line_id, item_id, quantity, unit_price,
period_price, price_variance, over_delivery, over_delivery_approved)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
			deliveryID, l.POLineID, l.ItemID, l.Quantity, l.UnitPrice, l.PeriodPrice, l.PriceVariance,
			l.OverDelivery, l.OverDeliveryApproved).Scan(&l.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *txRepo) LockDelivery(ctx context.Context, id int64) (Delivery, error) {
	return getDelivery(ctx, t.tx, id, true)
}

func (t *txRepo) UpdateDelivery(ctx context.Context, d Delivery) error {
	_, err := t.tx.Exec(ctx, `UPDATE deliveries SET invoice_number=$2, delivery_date=$3, status=$4, pending_approval=$5,
over_delivery_rejected=$6, notes=$7, posted_by=$8, posted_at=$9, updated_at=$10 WHERE id=$1`,
		d.ID, d.InvoiceNumber, d.DeliveryDate, string(d.Status), d.PendingApproval, d.OverDeliveryRejected,
		d.Notes, d.PostedBy, d.PostedAt, d.UpdatedAt)
	return err
}

func (t *txRepo) UpdateDeliveryLine(ctx context.Context, l DeliveryLine) error {
	_, err := t.tx.Exec(ctx, `UPDATE delivery_lines SET period_price=$2, price_variance=$3, over_delivery_approved=$4
WHERE id=$1`, l.ID, l.PeriodPrice, l.PriceVariance, l.OverDeliveryApproved)
	return err
}

func (t *txRepo) DeleteDelivery(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM deliveries WHERE id=$1`, id)
	return err
}

func (t *txRepo) ReceiveStock(ctx context.Context, receipt inventory.Receipt, at time.Time) (inventory.Movement, error) {
	return inventory.Receive(ctx, inventory.NewTxStore(t.tx), receipt, at)
}
