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

// DeliveryLineInput describes a received quantity. A line is matched to
// the PO by po_line_id, or by item_id when no line id is given. A missing
// unit price defaults to the PO line price.
type DeliveryLineInput struct {
	POLineID  *int64           `json:"po_line_id" validate:"omitempty,gt=0"`
	ItemID    int64            `json:"item_id" validate:"required_without=POLineID,gte=0"`
	Quantity  decimal.Decimal  `json:"quantity" validate:"gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price" validate:"omitempty,gte=0"`
}

// CreateDeliveryInput records goods received against an OPEN order.
type CreateDeliveryInput struct {
	POID          int64               `json:"po_id" validate:"required,gt=0"`
	InvoiceNumber string              `json:"invoice_number" validate:"max=64"`
	DeliveryDate  time.Time           `json:"delivery_date"`
	Notes         string              `json:"notes"`
	Lines         []DeliveryLineInput `json:"lines" validate:"min=1,dive"`
}

// UpdateDeliveryInput replaces the header fields and lines of a DRAFT
// delivery.
type UpdateDeliveryInput struct {
	InvoiceNumber string              `json:"invoice_number" validate:"max=64"`
	DeliveryDate  time.Time           `json:"delivery_date"`
	Notes         string              `json:"notes"`
	Lines         []DeliveryLineInput `json:"lines" validate:"min=1,dive"`
}

// SendForApprovalInput optionally sets the invoice number while requesting
// over-delivery approval.
type SendForApprovalInput struct {
	InvoiceNumber string `json:"invoice_number" validate:"max=64"`
}

// ApproveOverDeliveryInput approves a subset of flagged lines; an empty
// list approves all of them.
type ApproveOverDeliveryInput struct {
	LineIDs []int64 `json:"line_ids" validate:"dive,gt=0"`
}

// DeliveryResult is returned by notifying delivery operations.
type DeliveryResult struct {
	Delivery     Delivery     `json:"data"`
	Notification Notification `json:"-"`
}

// buildDeliveryLines resolves and flags proposed lines against the PO.
func buildDeliveryLines(po PO, in []DeliveryLineInput) ([]DeliveryLine, error) {
	proposed := make([]DeliveryLine, 0, len(in))
	for _, l := range in {
		proposed = append(proposed, DeliveryLine{POLineID: l.POLineID, ItemID: l.ItemID, Quantity: l.Quantity})
	}
	flagged, err := flagOverDelivery(po.Lines, proposed)
	if err != nil {
		return nil, err
	}
	prices := make(map[int64]decimal.Decimal, len(po.Lines))
	for _, pl := range po.Lines {
		prices[pl.ID] = pl.UnitPrice
	}
	for i := range flagged {
		if in[i].UnitPrice != nil {
			flagged[i].UnitPrice = *in[i].UnitPrice
			continue
		}
		flagged[i].UnitPrice = prices[*flagged[i].POLineID]
	}
	return flagged, nil
}

func lockOpenPO(ctx context.Context, tx TxRepository, id int64) (PO, error) {
	po, err := tx.LockPO(ctx, id)
	if err != nil {
		return PO{}, err
	}
	if po.Status != POStatusOpen {
		return PO{}, fmt.Errorf("%w: %s is %s", shared.ErrInvalidStateTransition, po.Number, po.Status)
	}
	return po, nil
}

// CreateDelivery records a DRAFT delivery against an OPEN order. Lines
// exceeding the committed remaining quantity are flagged as over-delivery.
func (s *Service) CreateDelivery(ctx context.Context, actor shared.Actor, input CreateDeliveryInput) (Delivery, error) {
	if err := requireActor(actor); err != nil {
		return Delivery{}, err
	}
	if err := s.validate(input); err != nil {
		return Delivery{}, err
	}
	now := s.now()
	var d Delivery
	err := s.inTx(ctx, "delivery.create", func(ctx context.Context, tx TxRepository) error {
		po, err := tx.LockPO(ctx, input.POID)
		if err != nil {
			return err
		}
		if !s.perms.CanPostDeliveries(actor, po.LocationID) {
			return fmt.Errorf("%w: deliveries at location %d", shared.ErrPermissionDenied, po.LocationID)
		}
		if po.Status != POStatusOpen {
			return fmt.Errorf("%w: %s is %s", shared.ErrInvalidStateTransition, po.Number, po.Status)
		}
		lines, err := buildDeliveryLines(po, input.Lines)
		if err != nil {
			return err
		}
		d = Delivery{
			POID:          po.ID,
			SupplierID:    po.SupplierID,
			LocationID:    po.LocationID,
			PeriodID:      po.PeriodID,
			InvoiceNumber: strings.TrimSpace(input.InvoiceNumber),
			DeliveryDate:  input.DeliveryDate,
			Status:        DeliveryStatusDraft,
			Notes:         input.Notes,
			CreatedBy:     actor.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if d.DeliveryDate.IsZero() {
			d.DeliveryDate = now
		}
		d.Number, err = nextNumber(ctx, tx, PrefixDelivery, po.LocationID, now)
		if err != nil {
			return err
		}
		d.ID, err = tx.InsertDelivery(ctx, d)
		if err != nil {
			return err
		}
		d.Lines, err = tx.ReplaceDeliveryLines(ctx, d.ID, lines)
		return err
	})
	if err != nil {
		return Delivery{}, err
	}
	s.recordAudit(ctx, actor, "delivery.create", "delivery", d.ID, map[string]any{
		"number":        d.Number,
		"po_id":         d.POID,
		"over_delivery": d.HasOverDelivery(),
	})
	return d, nil
}

// GetDelivery returns a delivery with its lines.
func (s *Service) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	return s.repo.GetDelivery(ctx, id)
}

// lockMutable locks a delivery for mutation. The lock check comes first so
// a rejected delivery refuses every role.
func (s *Service) lockMutable(ctx context.Context, tx TxRepository, actor shared.Actor, id int64) (Delivery, error) {
	d, err := tx.LockDelivery(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	if d.Locked() {
		return Delivery{}, fmt.Errorf("%w: %s", shared.ErrDeliveryLocked, d.Number)
	}
	if !s.perms.CanPostDeliveries(actor, d.LocationID) {
		return Delivery{}, fmt.Errorf("%w: deliveries at location %d", shared.ErrPermissionDenied, d.LocationID)
	}
	return d, nil
}

func requireDraft(d Delivery) error {
	if d.Status != DeliveryStatusDraft {
		return fmt.Errorf("%w: %s is %s", shared.ErrInvalidStateTransition, d.Number, d.Status)
	}
	return nil
}

// UpdateDelivery replaces a DRAFT delivery. Over-delivery flags are
// recomputed, approvals and the pending flag are cleared.
func (s *Service) UpdateDelivery(ctx context.Context, actor shared.Actor, id int64, input UpdateDeliveryInput) (Delivery, error) {
	if err := s.validate(input); err != nil {
		return Delivery{}, err
	}
	var d Delivery
	err := s.inTx(ctx, "delivery.update", func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = s.lockMutable(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if err := requireDraft(d); err != nil {
			return err
		}
		po, err := lockOpenPO(ctx, tx, d.POID)
		if err != nil {
			return err
		}
		lines, err := buildDeliveryLines(po, input.Lines)
		if err != nil {
			return err
		}
		d.InvoiceNumber = strings.TrimSpace(input.InvoiceNumber)
		if !input.DeliveryDate.IsZero() {
			d.DeliveryDate = input.DeliveryDate
		}
		d.Notes = input.Notes
		d.PendingApproval = false
		d.UpdatedAt = s.now()
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		d.Lines, err = tx.ReplaceDeliveryLines(ctx, d.ID, lines)
		return err
	})
	if err != nil {
		return Delivery{}, err
	}
	s.recordAudit(ctx, actor, "delivery.update", "delivery", d.ID, map[string]any{"over_delivery": d.HasOverDelivery()})
	return d, nil
}

// DeleteDelivery removes a DRAFT delivery.
func (s *Service) DeleteDelivery(ctx context.Context, actor shared.Actor, id int64) error {
	var number string
	err := s.inTx(ctx, "delivery.delete", func(ctx context.Context, tx TxRepository) error {
		d, err := s.lockMutable(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if err := requireDraft(d); err != nil {
			return err
		}
		number = d.Number
		return tx.DeleteDelivery(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "delivery.delete", "delivery", id, map[string]any{"number": number})
	return nil
}

// SendForApproval asks supervisors to approve the over-delivered lines of
// a DRAFT delivery. An invoice number is required.
func (s *Service) SendForApproval(ctx context.Context, actor shared.Actor, id int64, input SendForApprovalInput) (DeliveryResult, error) {
	if err := s.validate(input); err != nil {
		return DeliveryResult{}, err
	}
	var d Delivery
	err := s.inTx(ctx, "delivery.send_for_approval", func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = s.lockMutable(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if err := requireDraft(d); err != nil {
			return err
		}
		if inv := strings.TrimSpace(input.InvoiceNumber); inv != "" {
			d.InvoiceNumber = inv
		}
		if strings.TrimSpace(d.InvoiceNumber) == "" {
			return fmt.Errorf("%w: invoice_number", shared.ErrRequiredFieldMissing)
		}
		if d.UnapprovedOverDelivery() == 0 {
			return fmt.Errorf("%w: %s has no over-delivery awaiting approval", shared.ErrInvalidStateTransition, d.Number)
		}
		if d.PendingApproval {
			return fmt.Errorf("%w: %s is already pending approval", shared.ErrInvalidStateTransition, d.Number)
		}
		d.PendingApproval = true
		d.UpdatedAt = s.now()
		return tx.UpdateDelivery(ctx, d)
	})
	if err != nil {
		return DeliveryResult{}, err
	}
	s.metrics.OverDelivery("requested")
	s.recordApproval(ctx, approvalModuleDelivery, d.ID, actor, shared.ApprovalSubmit, "")
	s.recordAudit(ctx, actor, "delivery.send_for_approval", "delivery", d.ID, map[string]any{"lines": d.UnapprovedOverDelivery()})
	n := s.notifyApprovers(ctx, d.LocationID, notify.EventOverDeliveryPending, notify.Payload{
		DocumentNumber: d.Number,
		Actor:          actor.Label(),
		Lines:          d.UnapprovedOverDelivery(),
	})
	return DeliveryResult{Delivery: d, Notification: n}, nil
}

// ApproveOverDelivery approves flagged lines of a pending delivery. The
// pending flag is cleared once every flagged line is approved.
func (s *Service) ApproveOverDelivery(ctx context.Context, actor shared.Actor, id int64, input ApproveOverDeliveryInput) (DeliveryResult, error) {
	if err := s.validate(input); err != nil {
		return DeliveryResult{}, err
	}
	var (
		d        Delivery
		approved int
	)
	err := s.inTx(ctx, "delivery.approve_over_delivery", func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.LockDelivery(ctx, id)
		if err != nil {
			return err
		}
		if d.Locked() {
			return fmt.Errorf("%w: %s", shared.ErrDeliveryLocked, d.Number)
		}
		if !s.perms.CanApproveOverDelivery(actor) {
			return fmt.Errorf("%w: approve over-delivery", shared.ErrPermissionDenied)
		}
		if err := requireDraft(d); err != nil {
			return err
		}
		if !d.PendingApproval {
			return fmt.Errorf("%w: %s is not pending approval", shared.ErrInvalidStateTransition, d.Number)
		}
		targets, err := approvalTargets(d, input.LineIDs)
		if err != nil {
			return err
		}
		approved = 0
		for i := range d.Lines {
			l := &d.Lines[i]
			if !targets[l.ID] || l.OverDeliveryApproved {
				continue
			}
			l.OverDeliveryApproved = true
			if err := tx.UpdateDeliveryLine(ctx, *l); err != nil {
				return err
			}
			approved++
		}
		if d.UnapprovedOverDelivery() == 0 {
			d.PendingApproval = false
		}
		d.UpdatedAt = s.now()
		return tx.UpdateDelivery(ctx, d)
	})
	if err != nil {
		return DeliveryResult{}, err
	}
	s.metrics.OverDelivery("approved")
	s.recordApproval(ctx, approvalModuleDelivery, d.ID, actor, shared.ApprovalApprove, fmt.Sprintf("%d line(s)", approved))
	s.recordAudit(ctx, actor, "delivery.approve_over_delivery", "delivery", d.ID, map[string]any{
		"approved":  approved,
		"remaining": d.UnapprovedOverDelivery(),
	})
	n := s.notifyUsers(ctx, []int64{d.CreatedBy}, notify.EventOverDeliveryApproved, notify.Payload{
		DocumentNumber: d.Number,
		Actor:          actor.Label(),
		Lines:          approved,
	})
	return DeliveryResult{Delivery: d, Notification: n}, nil
}

// approvalTargets returns the flagged line ids to approve. An empty
// selection means every flagged line.
func approvalTargets(d Delivery, ids []int64) (map[int64]bool, error) {
	targets := make(map[int64]bool)
	if len(ids) == 0 {
		for _, l := range d.Lines {
			if l.OverDelivery {
				targets[l.ID] = true
			}
		}
		return targets, nil
	}
	byID := make(map[int64]DeliveryLine, len(d.Lines))
	for _, l := range d.Lines {
		byID[l.ID] = l
	}
	for _, id := range ids {
		l, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: delivery line %d is not on %s", shared.ErrLineNotFound, id, d.Number)
		}
		if !l.OverDelivery {
			return nil, fmt.Errorf("%w: delivery line %d is not an over-delivery", shared.ErrValidation, id)
		}
		targets[id] = true
	}
	return targets, nil
}

// RejectOverDelivery rejects a pending delivery. The delivery becomes
// REJECTED and permanently locked.
func (s *Service) RejectOverDelivery(ctx context.Context, actor shared.Actor, id int64, reason string) (DeliveryResult, error) {
	var d Delivery
	err := s.inTx(ctx, "delivery.reject_over_delivery", func(ctx context.Context, tx TxRepository) error {
		var err error
		d, err = tx.LockDelivery(ctx, id)
		if err != nil {
			return err
		}
		if d.Locked() {
			return fmt.Errorf("%w: %s", shared.ErrDeliveryLocked, d.Number)
		}
		if !s.perms.CanApproveOverDelivery(actor) {
			return fmt.Errorf("%w: reject over-delivery", shared.ErrPermissionDenied)
		}
		if err := requireDraft(d); err != nil {
			return err
		}
		if !d.PendingApproval {
			return fmt.Errorf("%w: %s is not pending approval", shared.ErrInvalidStateTransition, d.Number)
		}
		reason, err = requireText(reason, "rejection_reason")
		if err != nil {
			return err
		}
		now := s.now()
		d.OverDeliveryRejected = true
		d.Status = DeliveryStatusRejected
		d.PendingApproval = false
		d.Notes = appendNote(d.Notes, stampedNote("OVER-DELIVERY REJECTED", now, actor, reason))
		d.UpdatedAt = now
		return tx.UpdateDelivery(ctx, d)
	})
	if err != nil {
		return DeliveryResult{}, err
	}
	s.metrics.OverDelivery("rejected")
	s.recordApproval(ctx, approvalModuleDelivery, d.ID, actor, shared.ApprovalReject, reason)
	s.recordAudit(ctx, actor, "delivery.reject_over_delivery", "delivery", d.ID, map[string]any{"reason": reason})
	n := s.notifyUsers(ctx, []int64{d.CreatedBy}, notify.EventOverDeliveryRejected, notify.Payload{
		DocumentNumber: d.Number,
		Actor:          actor.Label(),
		Reason:         reason,
	})
	return DeliveryResult{Delivery: d, Notification: n}, nil
}

// RemindPendingApprovals re-notifies approvers about deliveries that have
// been waiting for over-delivery approval longer than olderThan. It
// returns the number of reminders dispatched.
func (s *Service) RemindPendingApprovals(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.repo.ListPendingDeliveries(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, d := range pending {
		n := s.notifyApprovers(ctx, d.LocationID, notify.EventOverDeliveryReminder, notify.Payload{
			DocumentNumber: d.Number,
			Lines:          d.UnapprovedOverDelivery(),
		})
		if n.Sent {
			sent++
		}
	}
	return sent, nil
}
