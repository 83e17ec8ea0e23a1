package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/notify"
	"github.com/odyssey-erp/fulfillment/internal/periods"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// PostResult is the outcome of posting a delivery.
type PostResult struct {
	Delivery     Delivery      `json:"data"`
	POAutoClosed bool          `json:"po_auto_closed"`
	PRFClosed    bool          `json:"prf_closed"`
	Balances     []LineBalance `json:"balances"`
	Notification *Notification `json:"-"`
}

// postScript carries the state of one delivery post through its ordered
// effects. All effects run inside one transaction.
type postScript struct {
	tx     TxRepository
	actor  shared.Actor
	now    time.Time
	prices map[int64]decimal.Decimal
	ledger Ledger
	logger *slog.Logger

	delivery   Delivery
	po         PO
	balances   []LineBalance
	posted     []PostedLine
	autoClosed bool
	prfClosed  bool
}

type postEffect struct {
	name  string
	apply func(ctx context.Context, ps *postScript) error
}

// postEffects run in order after the post gate passes.
var postEffects = []postEffect{
	{name: "apply_ledger", apply: applyLedger},
	{name: "record_variance", apply: recordVariance},
	{name: "receive_stock", apply: receiveStock},
	{name: "mark_posted", apply: markPosted},
	{name: "auto_close", apply: autoClose},
}

func applyLedger(ctx context.Context, ps *postScript) error {
	balances, err := ps.ledger.ApplyDelivery(ctx, ps.tx, ps.delivery, ps.po.Lines)
	if err != nil {
		return err
	}
	ps.balances = balances
	for i := range ps.po.Lines {
		for _, b := range balances {
			if b.POLineID == ps.po.Lines[i].ID {
				ps.po.Lines[i].DeliveredQty = b.Delivered
			}
		}
	}
	return nil
}

// recordVariance writes period price and price variance onto each line
// with a known period price.
func recordVariance(ctx context.Context, ps *postScript) error {
	ps.posted = ps.posted[:0]
	for i := range ps.delivery.Lines {
		l := &ps.delivery.Lines[i]
		price, ok := ps.prices[l.ItemID]
		if !ok {
			ps.logger.Warn("period price unavailable, variance skipped",
				slog.String("delivery", ps.delivery.Number),
				slog.Int64("item_id", l.ItemID),
				slog.Int64("period_id", ps.delivery.PeriodID))
			continue
		}
		variance := l.UnitPrice.Sub(price)
		l.PeriodPrice = &price
		l.PriceVariance = &variance
		if err := ps.tx.UpdateDeliveryLine(ctx, *l); err != nil {
			return err
		}
		ps.posted = append(ps.posted, PostedLine{
			DeliveryLineID: l.ID,
			ItemID:         l.ItemID,
			Quantity:       l.Quantity,
			UnitPrice:      l.UnitPrice,
			PeriodPrice:    price,
			Variance:       variance,
		})
	}
	return nil
}

func receiveStock(ctx context.Context, ps *postScript) error {
	for _, l := range ps.delivery.Lines {
		_, err := ps.tx.ReceiveStock(ctx, inventory.Receipt{
			LocationID: ps.delivery.LocationID,
			ItemID:     l.ItemID,
			Qty:        l.Quantity,
			UnitCost:   l.UnitPrice,
			RefModule:  "DELIVERY",
			RefID:      ps.delivery.Number,
			ActorID:    ps.actor.ID,
		}, ps.now)
		if err != nil {
			return fmt.Errorf("receive item %d: %w", l.ItemID, err)
		}
	}
	return nil
}

func markPosted(ctx context.Context, ps *postScript) error {
	poster := ps.actor.ID
	now := ps.now
	ps.delivery.Status = DeliveryStatusPosted
	ps.delivery.PendingApproval = false
	ps.delivery.PostedBy = &poster
	ps.delivery.PostedAt = &now
	ps.delivery.UpdatedAt = now
	return ps.tx.UpdateDelivery(ctx, ps.delivery)
}

// autoClose closes the PO, and its requisition, once every line is
// fulfilled.
func autoClose(ctx context.Context, ps *postScript) error {
	if !AllFulfilled(ps.balances) {
		return nil
	}
	now := ps.now
	closer := ps.actor.ID
	ps.po.Status = POStatusClosed
	ps.po.AutoClosed = true
	ps.po.ClosedBy = &closer
	ps.po.ClosedAt = &now
	ps.po.UpdatedAt = now
	if err := ps.tx.UpdatePO(ctx, ps.po); err != nil {
		return err
	}
	ps.autoClosed = true
	closed, err := closeLinkedPRF(ctx, ps.tx, ps.po, now)
	if err != nil {
		return err
	}
	ps.prfClosed = closed
	return nil
}

// gate re-validates the delivery against rows locked by the transaction.
func (s *Service) gate(ps *postScript) error {
	d := ps.delivery
	if d.Locked() {
		return fmt.Errorf("%w: %s", shared.ErrDeliveryLocked, d.Number)
	}
	if !s.perms.CanPostDeliveries(ps.actor, d.LocationID) {
		return fmt.Errorf("%w: deliveries at location %d", shared.ErrPermissionDenied, d.LocationID)
	}
	if d.Status != DeliveryStatusDraft {
		return fmt.Errorf("%w: %s is %s", shared.ErrAlreadyPosted, d.Number, d.Status)
	}
	if strings.TrimSpace(d.InvoiceNumber) == "" {
		return fmt.Errorf("%w: invoice_number", shared.ErrRequiredFieldMissing)
	}
	return nil
}

// lookupPrices reads period prices for the delivery items before the post
// transaction begins. Items without a price are left out.
func (s *Service) lookupPrices(ctx context.Context, d Delivery) map[int64]decimal.Decimal {
	prices := make(map[int64]decimal.Decimal, len(d.Lines))
	if s.prices == nil {
		return prices
	}
	for _, l := range d.Lines {
		if _, done := prices[l.ItemID]; done {
			continue
		}
		price, err := s.prices.PeriodPrice(ctx, l.ItemID, d.PeriodID)
		if err != nil {
			if errors.Is(err, periods.ErrPriceNotFound) {
				continue
			}
			s.logger.Error("period price lookup", slog.Int64("item_id", l.ItemID), slog.Int64("period_id", d.PeriodID), slog.Any("error", err))
			continue
		}
		prices[l.ItemID] = price
	}
	return prices
}

// PostDelivery commits a DRAFT delivery: the quantity ledger, price
// variance, stock receipt, status and PO auto-close are written in one
// transaction. Variance NCRs and notifications follow the commit and never
// undo it.
func (s *Service) PostDelivery(ctx context.Context, actor shared.Actor, id int64) (PostResult, error) {
	if err := requireActor(actor); err != nil {
		return PostResult{}, err
	}
	pre, err := s.repo.GetDelivery(ctx, id)
	if err != nil {
		return PostResult{}, err
	}
	prices := s.lookupPrices(ctx, pre)

	var ps *postScript
	err = s.inTx(ctx, "delivery.post", func(ctx context.Context, tx TxRepository) error {
		ps = &postScript{tx: tx, actor: actor, now: s.now(), prices: prices, ledger: s.ledger, logger: s.logger}
		d, err := tx.LockDelivery(ctx, id)
		if err != nil {
			return err
		}
		ps.delivery = d
		if err := s.gate(ps); err != nil {
			return err
		}
		ps.po, err = lockOpenPO(ctx, tx, d.POID)
		if err != nil {
			return err
		}
		if err := checkPostGate(d, ps.po.Lines); err != nil {
			return err
		}
		for _, eff := range postEffects {
			if err := eff.apply(ctx, ps); err != nil {
				return fmt.Errorf("post %s: %s: %w", d.Number, eff.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return PostResult{}, err
	}

	d := ps.delivery
	s.metrics.DeliveryPosted()
	s.recordAudit(ctx, actor, "delivery.post", "delivery", d.ID, map[string]any{
		"number":         d.Number,
		"po_id":          d.POID,
		"po_auto_closed": ps.autoClosed,
	})
	res := PostResult{Delivery: d, POAutoClosed: ps.autoClosed, PRFClosed: ps.prfClosed, Balances: ps.balances}
	if ps.autoClosed {
		s.metrics.POClosed("auto")
		s.recordAudit(ctx, actor, "po.auto_close", "po", ps.po.ID, map[string]any{"delivery": d.Number, "prf_closed": ps.prfClosed})
		n := s.notifyApprovers(ctx, ps.po.LocationID, notify.EventPOClosed, notify.Payload{
			DocumentNumber: ps.po.Number,
			Actor:          actor.Label(),
			Reason:         "fully delivered by " + d.Number,
		})
		res.Notification = &n
	}
	s.afterPost(ctx, actor, ps)
	return res, nil
}

// afterPost hands the committed post to the registered hook.
func (s *Service) afterPost(ctx context.Context, actor shared.Actor, ps *postScript) {
	if s.hook == nil {
		return
	}
	d := ps.delivery
	evt := DeliveryPostedEvent{
		DeliveryID: d.ID,
		Number:     d.Number,
		POID:       d.POID,
		LocationID: d.LocationID,
		PeriodID:   d.PeriodID,
		ActorID:    actor.ID,
		PostedAt:   ps.now,
		Lines:      append([]PostedLine(nil), ps.posted...),
	}
	if err := s.hook.HandleDeliveryPosted(ctx, evt); err != nil {
		s.metrics.SideEffectFailed("ncr")
		s.logger.Error("variance exception trigger failed", slog.String("delivery", d.Number), slog.Any("error", err))
		s.recordAudit(ctx, actor, "ncr.create_failed", "delivery", d.ID, map[string]any{"error": err.Error()})
	}
}
