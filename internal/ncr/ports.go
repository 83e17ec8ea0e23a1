package ncr

import (
	"context"

	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (NCR, error)
	ListByDelivery(ctx context.Context, deliveryID int64) ([]NCR, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	procurement.Sequencer
	Insert(ctx context.Context, n NCR) (int64, error)
	Lock(ctx context.Context, id int64) (NCR, error)
	Update(ctx context.Context, n NCR) error
	ExistsForDeliveryLine(ctx context.Context, deliveryLineID int64) (bool, error)
}

// Permissions gates manual NCR operations.
type Permissions interface {
	CanManageNCR(actor shared.Actor) bool
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts created NCRs.
type MetricsPort interface {
	NCRCreated(ncrType string)
}

type noopMetrics struct{}

func (noopMetrics) NCRCreated(string) {}
