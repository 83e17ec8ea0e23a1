package procurement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/notify"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// POLineOverride adjusts a line copied from a requisition.
type POLineOverride struct {
	PRFLineID       int64            `json:"prf_line_id" validate:"required,gt=0"`
	ItemID          *int64           `json:"item_id" validate:"omitempty,gt=0"`
	UnitPrice       *decimal.Decimal `json:"unit_price" validate:"omitempty,gte=0"`
	DiscountPercent *decimal.Decimal `json:"discount_percent" validate:"omitempty,gte=0,lte=100"`
	VATPercent      *decimal.Decimal `json:"vat_percent" validate:"omitempty,gte=0,lte=100"`
}

// CreatePOFromPRFInput raises an order from an approved requisition. Lines
// are copied from the requisition; the estimated price is the default unit
// price.
type CreatePOFromPRFInput struct {
	PRFID             int64            `json:"prf_id" validate:"required,gt=0"`
	SupplierID        int64            `json:"supplier_id" validate:"required,gt=0"`
	Notes             string           `json:"notes"`
	DefaultVATPercent decimal.Decimal  `json:"default_vat_percent" validate:"gte=0,lte=100"`
	Overrides         []POLineOverride `json:"overrides" validate:"dive"`
}

// POLineInput describes a standalone order line.
type POLineInput struct {
	ItemID          int64           `json:"item_id" validate:"required,gt=0"`
	Description     string          `json:"description" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice       decimal.Decimal `json:"unit_price" validate:"gte=0"`
	DiscountPercent decimal.Decimal `json:"discount_percent" validate:"gte=0,lte=100"`
	VATPercent      decimal.Decimal `json:"vat_percent" validate:"gte=0,lte=100"`
}

// CreatePOInput raises a standalone order.
type CreatePOInput struct {
	SupplierID int64         `json:"supplier_id" validate:"required,gt=0"`
	LocationID int64         `json:"location_id" validate:"required,gt=0"`
	PeriodID   int64         `json:"period_id" validate:"required,gt=0"`
	Notes      string        `json:"notes"`
	Lines      []POLineInput `json:"lines" validate:"min=1,dive"`
}

// POView is a PO with its fulfillment summary.
type POView struct {
	PO      PO                 `json:"data"`
	Summary FulfillmentSummary `json:"fulfillment_summary"`
}

// CloseResult is the outcome of a manual close.
type CloseResult struct {
	PO           PO                  `json:"data"`
	PRFClosed    bool                `json:"prf_closed"`
	Summary      *FulfillmentSummary `json:"fulfillment_summary,omitempty"`
	Notification Notification        `json:"-"`
}

func linesFromPRF(prf PRF, input CreatePOFromPRFInput) ([]POLine, error) {
	overrides := make(map[int64]POLineOverride, len(input.Overrides))
	for _, o := range input.Overrides {
		overrides[o.PRFLineID] = o
	}
	lines := make([]POLine, 0, len(prf.Lines))
	for _, pl := range prf.Lines {
		line := POLine{
			Description:     pl.Description,
			Quantity:        pl.Quantity,
			DeliveredQty:    decimal.Zero,
			UnitPrice:       pl.EstimatedPrice,
			DiscountPercent: decimal.Zero,
			VATPercent:      input.DefaultVATPercent,
		}
		if pl.ItemID != nil {
			line.ItemID = *pl.ItemID
		}
		if o, ok := overrides[pl.ID]; ok {
			if o.ItemID != nil {
				line.ItemID = *o.ItemID
			}
			if o.UnitPrice != nil {
				line.UnitPrice = *o.UnitPrice
			}
			if o.DiscountPercent != nil {
				line.DiscountPercent = *o.DiscountPercent
			}
			if o.VATPercent != nil {
				line.VATPercent = *o.VATPercent
			}
			delete(overrides, pl.ID)
		}
		if line.ItemID == 0 {
			return nil, fmt.Errorf("%w: requisition line %d has no item_id", shared.ErrValidation, pl.ID)
		}
		lines = append(lines, line)
	}
	if len(overrides) > 0 {
		return nil, fmt.Errorf("%w: %d override(s) reference lines not on the requisition", shared.ErrValidation, len(overrides))
	}
	return lines, nil
}

// CreatePOFromPRF raises the single order allowed for an APPROVED
// requisition.
func (s *Service) CreatePOFromPRF(ctx context.Context, actor shared.Actor, input CreatePOFromPRFInput) (PO, error) {
	if !s.perms.CanCreatePO(actor) {
		return PO{}, fmt.Errorf("%w: create purchase order", shared.ErrPermissionDenied)
	}
	if err := s.validate(input); err != nil {
		return PO{}, err
	}
	now := s.now()
	var po PO
	err := s.inTx(ctx, "po.create", func(ctx context.Context, tx TxRepository) error {
		prf, err := tx.LockPRF(ctx, input.PRFID)
		if err != nil {
			return err
		}
		if prf.Status != PRFStatusApproved {
			return fmt.Errorf("%w: %s is %s", shared.ErrInvalidStateTransition, prf.Number, prf.Status)
		}
		exists, err := tx.PRFHasPO(ctx, prf.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s already has a purchase order", shared.ErrInvalidStateTransition, prf.Number)
		}
		lines, err := linesFromPRF(prf, input)
		if err != nil {
			return err
		}
		prfID := prf.ID
		po = PO{
			PRFID:      &prfID,
			SupplierID: input.SupplierID,
			LocationID: prf.LocationID,
			PeriodID:   prf.PeriodID,
			Notes:      input.Notes,
			Lines:      lines,
		}
		return s.insertPO(ctx, tx, actor, &po, now)
	})
	if err != nil {
		return PO{}, err
	}
	s.recordAudit(ctx, actor, "po.create", "po", po.ID, map[string]any{"number": po.Number, "prf_id": input.PRFID, "total": po.TotalAmount.StringFixed(2)})
	return po, nil
}

// CreatePO raises a standalone order.
func (s *Service) CreatePO(ctx context.Context, actor shared.Actor, input CreatePOInput) (PO, error) {
	if !s.perms.CanCreatePO(actor) {
		return PO{}, fmt.Errorf("%w: create purchase order", shared.ErrPermissionDenied)
	}
	if err := s.validate(input); err != nil {
		return PO{}, err
	}
	lines := make([]POLine, 0, len(input.Lines))
	for _, l := range input.Lines {
		lines = append(lines, POLine{
			ItemID:          l.ItemID,
			Description:     strings.TrimSpace(l.Description),
			Quantity:        l.Quantity,
			DeliveredQty:    decimal.Zero,
			UnitPrice:       l.UnitPrice,
			DiscountPercent: l.DiscountPercent,
			VATPercent:      l.VATPercent,
		})
	}
	po := PO{
		SupplierID: input.SupplierID,
		LocationID: input.LocationID,
		PeriodID:   input.PeriodID,
		Notes:      input.Notes,
		Lines:      lines,
	}
	now := s.now()
	err := s.inTx(ctx, "po.create", func(ctx context.Context, tx TxRepository) error {
		return s.insertPO(ctx, tx, actor, &po, now)
	})
	if err != nil {
		return PO{}, err
	}
	s.recordAudit(ctx, actor, "po.create", "po", po.ID, map[string]any{"number": po.Number, "total": po.TotalAmount.StringFixed(2)})
	return po, nil
}

func (s *Service) insertPO(ctx context.Context, tx TxRepository, actor shared.Actor, po *PO, now time.Time) error {
	number, err := nextNumber(ctx, tx, PrefixPO, po.LocationID, now)
	if err != nil {
		return err
	}
	po.Number = number
	po.Status = POStatusOpen
	po.CreatedBy = actor.ID
	po.CreatedAt = now
	po.UpdatedAt = now
	po.ApplyTotals()
	id, err := tx.InsertPO(ctx, *po)
	if err != nil {
		return err
	}
	po.ID = id
	po.Lines, err = tx.InsertPOLines(ctx, id, po.Lines)
	return err
}

// GetPO returns an order with its fulfillment summary.
func (s *Service) GetPO(ctx context.Context, id int64) (POView, error) {
	po, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return POView{}, err
	}
	return POView{PO: po, Summary: Summarize(po.Lines)}, nil
}

// ListOpenPOs returns OPEN orders at a location. Closed orders never
// appear.
func (s *Service) ListOpenPOs(ctx context.Context, locationID int64) ([]PO, error) {
	if locationID <= 0 {
		return nil, fmt.Errorf("%w: location_id required", shared.ErrValidation)
	}
	return s.repo.ListOpenPOs(ctx, locationID)
}

// ClosePO closes an OPEN order by hand. A reason is mandatory while any
// line still has quantity remaining, including when nothing was delivered.
func (s *Service) ClosePO(ctx context.Context, actor shared.Actor, id int64, reason string) (CloseResult, error) {
	if !s.perms.CanClosePO(actor) {
		return CloseResult{}, fmt.Errorf("%w: close purchase order", shared.ErrPermissionDenied)
	}
	reason = strings.TrimSpace(reason)
	var (
		po        PO
		prfClosed bool
		summary   FulfillmentSummary
	)
	err := s.inTx(ctx, "po.close", func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.LockPO(ctx, id)
		if err != nil {
			return err
		}
		if po.Status != POStatusOpen {
			return fmt.Errorf("%w: %s is %s", shared.ErrInvalidStateTransition, po.Number, po.Status)
		}
		summary = Summarize(po.Lines)
		if summary.HasUnfulfilledItems && reason == "" {
			return fmt.Errorf("%w: closure_reason is required while quantity remains on %s", shared.ErrRequiredFieldMissing, po.Number)
		}
		now := s.now()
		closer := actor.ID
		po.Status = POStatusClosed
		po.ClosedBy = &closer
		po.ClosedAt = &now
		po.ClosureReason = reason
		po.AutoClosed = false
		if reason != "" {
			po.Notes = appendNote(po.Notes, stampedNote("CLOSED", now, actor, reason))
		}
		po.UpdatedAt = now
		if err := tx.UpdatePO(ctx, po); err != nil {
			return err
		}
		prfClosed, err = closeLinkedPRF(ctx, tx, po, now)
		return err
	})
	if err != nil {
		return CloseResult{}, err
	}
	s.metrics.POClosed("manual")
	s.recordAudit(ctx, actor, "po.close", "po", po.ID, map[string]any{
		"reason":              reason,
		"prf_closed":          prfClosed,
		"fulfillment_percent": summary.FulfillmentPercent.String(),
	})
	n := s.notifyApprovers(ctx, po.LocationID, notify.EventPOClosed, notify.Payload{
		DocumentNumber: po.Number,
		Actor:          actor.Label(),
		Reason:         reason,
	})
	return CloseResult{PO: po, PRFClosed: prfClosed, Summary: &summary, Notification: n}, nil
}

// closeLinkedPRF cascades a PO close to its APPROVED requisition.
func closeLinkedPRF(ctx context.Context, tx TxRepository, po PO, now time.Time) (bool, error) {
	if po.PRFID == nil {
		return false, nil
	}
	prf, err := tx.LockPRF(ctx, *po.PRFID)
	if err != nil {
		return false, fmt.Errorf("lock requisition of %s: %w", po.Number, err)
	}
	if prf.Status != PRFStatusApproved {
		return false, nil
	}
	prf.Status = PRFStatusClosed
	prf.UpdatedAt = now
	if err := tx.UpdatePRF(ctx, prf); err != nil {
		return false, err
	}
	return true, nil
}
