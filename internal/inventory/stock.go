package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TxStore is the transactional persistence required to receive stock. It
// is always bound to the caller's transaction so the receipt commits or
// aborts together with the delivery post.
type TxStore interface {
	GetBalanceForUpdate(ctx context.Context, locationID, itemID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

// Receive applies a receipt to the weighted average cost balance and
// records the stock movement.
func Receive(ctx context.Context, store TxStore, receipt Receipt, now time.Time) (Movement, error) {
	if receipt.Qty.Sign() <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	if receipt.LocationID == 0 || receipt.ItemID == 0 {
		return Movement{}, errors.New("inventory: location and item required")
	}
	balance, err := store.GetBalanceForUpdate(ctx, receipt.LocationID, receipt.ItemID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Movement{}, fmt.Errorf("inventory: load balance: %w", err)
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{LocationID: receipt.LocationID, ItemID: receipt.ItemID}
	}
	next := ApplyInbound(balance, receipt.Qty, receipt.UnitCost)
	next.UpdatedAt = now
	if err := store.UpsertBalance(ctx, next); err != nil {
		return Movement{}, fmt.Errorf("inventory: upsert balance: %w", err)
	}
	movement := Movement{
		Type:        MovementReceipt,
		LocationID:  receipt.LocationID,
		ItemID:      receipt.ItemID,
		QtyIn:       receipt.Qty,
		UnitCost:    receipt.UnitCost,
		BalanceQty:  next.Qty,
		BalanceCost: next.AvgCost,
		RefModule:   receipt.RefModule,
		RefID:       receipt.RefID,
		Note:        receipt.Note,
		ActorID:     receipt.ActorID,
		PostedAt:    now,
	}
	id, err := store.InsertMovement(ctx, movement)
	if err != nil {
		return Movement{}, fmt.Errorf("inventory: insert movement: %w", err)
	}
	movement.ID = id
	return movement, nil
}
