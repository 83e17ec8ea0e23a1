package procurement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// POLineRef identifies the PO line a delivery line resolved to.
type POLineRef struct {
	Index  int
	LineID int64
	ItemID int64
}

// ResolvePOLine matches a delivery line to a PO line: by po_line_id when
// set, otherwise by item_id within the same PO. An explicit id that is not
// on the PO does not fall back to the item match.
func ResolvePOLine(lines []POLine, dl DeliveryLine) (POLineRef, error) {
	if dl.POLineID != nil {
		for i, l := range lines {
			if l.ID == *dl.POLineID {
				return POLineRef{Index: i, LineID: l.ID, ItemID: l.ItemID}, nil
			}
		}
		return POLineRef{}, fmt.Errorf("%w: po line %d", shared.ErrLineNotFound, *dl.POLineID)
	}
	if dl.ItemID == 0 {
		return POLineRef{}, fmt.Errorf("%w: delivery line has neither po line nor item", shared.ErrLineNotFound)
	}
	match := -1
	for i, l := range lines {
		if l.ItemID != dl.ItemID {
			continue
		}
		if match < 0 {
			match = i
		}
		// Prefer the first line of the item that still has quantity open.
		if l.Remaining().Sign() > 0 {
			match = i
			break
		}
	}
	if match < 0 {
		return POLineRef{}, fmt.Errorf("%w: item %d", shared.ErrLineNotFound, dl.ItemID)
	}
	return POLineRef{Index: match, LineID: lines[match].ID, ItemID: lines[match].ItemID}, nil
}

// LineBalance is a PO line's quantity position after a post.
type LineBalance struct {
	POLineID  int64           `json:"po_line_id"`
	Ordered   decimal.Decimal `json:"ordered"`
	Delivered decimal.Decimal `json:"delivered"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Fulfilled reports whether nothing remains open on the line.
func (b LineBalance) Fulfilled() bool {
	return b.Remaining.Sign() <= 0
}

// LedgerStore increments delivered quantity on a PO line row already
// locked by the calling transaction and returns the new cumulative value.
type LedgerStore interface {
	IncrementDelivered(ctx context.Context, poLineID int64, qty decimal.Decimal) (decimal.Decimal, error)
}

// Ledger owns delivered_qty on PO lines.
type Ledger struct{}

// ApplyDelivery adds every delivery line quantity to its PO line and
// returns the balance of every line of the PO. It must run in the same
// transaction that marks the delivery POSTED.
func (Ledger) ApplyDelivery(ctx context.Context, store LedgerStore, d Delivery, lines []POLine) ([]LineBalance, error) {
	if d.Status != DeliveryStatusDraft {
		return nil, fmt.Errorf("%w: delivery %s is %s", shared.ErrAlreadyPosted, d.Number, d.Status)
	}
	increments := make(map[int64]decimal.Decimal, len(d.Lines))
	order := make([]int64, 0, len(d.Lines))
	for _, dl := range d.Lines {
		ref, err := ResolvePOLine(lines, dl)
		if err != nil {
			return nil, err
		}
		if _, seen := increments[ref.LineID]; !seen {
			order = append(order, ref.LineID)
			increments[ref.LineID] = decimal.Zero
		}
		increments[ref.LineID] = increments[ref.LineID].Add(dl.Quantity)
	}
	delivered := make(map[int64]decimal.Decimal, len(order))
	for _, id := range order {
		total, err := store.IncrementDelivered(ctx, id, increments[id])
		if err != nil {
			return nil, fmt.Errorf("increment po line %d: %w", id, err)
		}
		delivered[id] = total
	}
	balances := make([]LineBalance, 0, len(lines))
	for _, l := range lines {
		cur := l.DeliveredQty
		if v, ok := delivered[l.ID]; ok {
			cur = v
		}
		balances = append(balances, LineBalance{
			POLineID:  l.ID,
			Ordered:   l.Quantity,
			Delivered: cur,
			Remaining: l.Quantity.Sub(cur),
		})
	}
	return balances, nil
}

// AllFulfilled reports whether every balance has nothing remaining.
func AllFulfilled(balances []LineBalance) bool {
	if len(balances) == 0 {
		return false
	}
	for _, b := range balances {
		if !b.Fulfilled() {
			return false
		}
	}
	return true
}

// flagOverDelivery resolves proposed delivery lines against the PO and
// marks each line whose cumulative quantity on its PO line exceeds the
// committed remaining quantity. Approvals are reset.
func flagOverDelivery(lines []POLine, proposed []DeliveryLine) ([]DeliveryLine, error) {
	used := make(map[int64]decimal.Decimal, len(proposed))
	out := make([]DeliveryLine, len(proposed))
	for i, dl := range proposed {
		ref, err := ResolvePOLine(lines, dl)
		if err != nil {
			return nil, err
		}
		lineID := ref.LineID
		dl.POLineID = &lineID
		dl.ItemID = ref.ItemID
		cum := used[ref.LineID].Add(dl.Quantity)
		used[ref.LineID] = cum
		dl.OverDelivery = cum.GreaterThan(lines[ref.Index].Remaining())
		dl.OverDeliveryApproved = false
		out[i] = dl
	}
	return out, nil
}

// checkPostGate re-validates over-delivery against PO lines locked by the
// posting transaction. A flagged line must be approved; a line that was not
// flagged when saved but now exceeds remaining lost a race with another
// post.
func checkPostGate(d Delivery, lines []POLine) error {
	used := make(map[int64]decimal.Decimal, len(d.Lines))
	for _, dl := range d.Lines {
		ref, err := ResolvePOLine(lines, dl)
		if err != nil {
			return err
		}
		cum := used[ref.LineID].Add(dl.Quantity)
		used[ref.LineID] = cum
		if dl.OverDelivery && !dl.OverDeliveryApproved {
			return fmt.Errorf("%w: delivery line %d", shared.ErrOverDeliveryNotApproved, dl.ID)
		}
		if !dl.OverDelivery && cum.GreaterThan(lines[ref.Index].Remaining()) {
			return fmt.Errorf("%w: po line %d no longer has %s remaining", shared.ErrConcurrentModification, ref.LineID, cum.String())
		}
	}
	return nil
}
