package procurement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPRF(ctx context.Context, id int64) (PRF, error)
	GetPO(ctx context.Context, id int64) (PO, error)
	ListOpenPOs(ctx context.Context, locationID int64) ([]PO, error)
	GetDelivery(ctx context.Context, id int64) (Delivery, error)
	ListPendingDeliveries(ctx context.Context, updatedBefore time.Time) ([]Delivery, error)
}

// TxRepository exposes transactional operations. Lock* methods read rows
// with SELECT ... FOR UPDATE.
type TxRepository interface {
	LedgerStore
	Sequencer

	InsertPRF(ctx context.Context, prf PRF) (int64, error)
	ReplacePRFLines(ctx context.Context, prfID int64, lines []PRFLine) ([]PRFLine, error)
	LockPRF(ctx context.Context, id int64) (PRF, error)
	UpdatePRF(ctx context.Context, prf PRF) error
	DeletePRF(ctx context.Context, id int64) error
	PRFHasPO(ctx context.Context, prfID int64) (bool, error)

	InsertPO(ctx context.Context, po PO) (int64, error)
	InsertPOLines(ctx context.Context, poID int64, lines []POLine) ([]POLine, error)
	LockPO(ctx context.Context, id int64) (PO, error)
	UpdatePO(ctx context.Context, po PO) error

	InsertDelivery(ctx context.Context, d Delivery) (int64, error)
	ReplaceDeliveryLines(ctx context.Context, deliveryID int64, lines []DeliveryLine) ([]DeliveryLine, error)
	LockDelivery(ctx context.Context, id int64) (Delivery, error)
	UpdateDelivery(ctx context.Context, d Delivery) error
	UpdateDeliveryLine(ctx context.Context, line DeliveryLine) error
	DeleteDelivery(ctx context.Context, id int64) error

	ReceiveStock(ctx context.Context, receipt inventory.Receipt, at time.Time) (inventory.Movement, error)
}

// Permissions is the capability check collaborator. A false answer fails
// the operation with PERMISSION_DENIED before anything is written.
type Permissions interface {
	CanApprovePRF(actor shared.Actor) bool
	CanCreatePO(actor shared.Actor) bool
	CanClosePO(actor shared.Actor) bool
	CanPostDeliveries(actor shared.Actor, locationID int64) bool
	CanApproveOverDelivery(actor shared.Actor) bool
}

// PriceBook returns the authoritative period price of an item.
type PriceBook interface {
	PeriodPrice(ctx context.Context, itemID, periodID int64) (decimal.Decimal, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// MetricsPort receives domain counters.
type MetricsPort interface {
	DeliveryPosted()
	POClosed(mode string)
	OverDelivery(outcome string)
	SideEffectFailed(effect string)
	Conflict(operation string)
}

type noopMetrics struct{}

func (noopMetrics) DeliveryPosted()         {}
func (noopMetrics) POClosed(string)         {}
func (noopMetrics) OverDelivery(string)     {}
func (noopMetrics) SideEffectFailed(string) {}
func (noopMetrics) Conflict(string)         {}
