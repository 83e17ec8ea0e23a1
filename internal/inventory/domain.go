package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementReceipt represents goods received from a supplier delivery.
	MovementReceipt MovementType = "RECEIPT"
)

// Balance summarises stock at a location per item, valued at weighted
// average cost.
type Balance struct {
	LocationID int64
	ItemID     int64
	Qty        decimal.Decimal
	AvgCost    decimal.Decimal
	UpdatedAt  time.Time
}

// Receipt describes an inbound movement produced by a posted delivery.
type Receipt struct {
	LocationID int64
	ItemID     int64
	Qty        decimal.Decimal
	UnitCost   decimal.Decimal
	RefModule  string
	RefID      string
	Note       string
	ActorID    int64
}

// Movement is the stock card entry written for each receipt.
type Movement struct {
	ID          int64
	Type        MovementType
	LocationID  int64
	ItemID      int64
	QtyIn       decimal.Decimal
	UnitCost    decimal.Decimal
	BalanceQty  decimal.Decimal
	BalanceCost decimal.Decimal
	RefModule   string
	RefID       string
	Note        string
	ActorID     int64
	PostedAt    time.Time
}

var (
	// ErrInvalidQuantity indicates a zero or negative receipt quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrBalanceNotFound signals that no balance row exists yet.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
)

// costScale is the precision kept for average costs.
const costScale = 6

// ApplyInbound returns the balance after receiving qty at unitCost:
// newAvg = (qty0*avg0 + qty*cost) / (qty0 + qty).
func ApplyInbound(balance Balance, qty, unitCost decimal.Decimal) Balance {
	newQty := balance.Qty.Add(qty)
	out := balance
	out.Qty = newQty
	if newQty.Sign() <= 0 {
		out.AvgCost = decimal.Zero
		return out
	}
	total := balance.Qty.Mul(balance.AvgCost).Add(qty.Mul(unitCost))
	out.AvgCost = total.DivRound(newQty, costScale)
	return out
}
