package procurement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PostedLine carries the priced result of one posted delivery line.
type PostedLine struct {
	DeliveryLineID int64
	ItemID         int64
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	PeriodPrice    decimal.Decimal
	Variance       decimal.Decimal
}

// DeliveryPostedEvent is emitted after a delivery post commits. Lines only
// include those with a known period price.
type DeliveryPostedEvent struct {
	DeliveryID int64
	Number     string
	POID       int64
	LocationID int64
	PeriodID   int64
	ActorID    int64
	PostedAt   time.Time
	Lines      []PostedLine
}

// PostHook receives committed delivery posts. Errors are reported by the
// caller and never undo the post.
type PostHook interface {
	HandleDeliveryPosted(ctx context.Context, evt DeliveryPostedEvent) error
}
