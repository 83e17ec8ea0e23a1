package procurement

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/notify"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// PRFLineInput describes one requested item.
type PRFLineInput struct {
	ItemID         *int64          `json:"item_id" validate:"omitempty,gt=0"`
	Description    string          `json:"description" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity" validate:"gt=0"`
	EstimatedPrice decimal.Decimal `json:"estimated_price" validate:"gte=0"`
}

// CreatePRFInput creates a DRAFT requisition.
type CreatePRFInput struct {
	LocationID int64          `json:"location_id" validate:"required,gt=0"`
	PeriodID   int64          `json:"period_id" validate:"required,gt=0"`
	Notes      string         `json:"notes"`
	Lines      []PRFLineInput `json:"lines" validate:"dive"`
}

// UpdatePRFInput replaces the notes and lines of a DRAFT requisition.
type UpdatePRFInput struct {
	PeriodID int64          `json:"period_id" validate:"omitempty,gt=0"`
	Notes    string         `json:"notes"`
	Lines    []PRFLineInput `json:"lines" validate:"dive"`
}

// PRFResult is returned by the notifying PRF transitions.
type PRFResult struct {
	PRF          PRF          `json:"data"`
	Message      string       `json:"message"`
	Notification Notification `json:"-"`
}

func buildPRFLines(in []PRFLineInput) []PRFLine {
	lines := make([]PRFLine, 0, len(in))
	for _, l := range in {
		lines = append(lines, PRFLine{
			ItemID:         l.ItemID,
			Description:    strings.TrimSpace(l.Description),
			Quantity:       l.Quantity,
			EstimatedPrice: l.EstimatedPrice,
		})
	}
	return lines
}

// CreatePRF stores a new DRAFT requisition owned by actor.
func (s *Service) CreatePRF(ctx context.Context, actor shared.Actor, input CreatePRFInput) (PRF, error) {
	if err := requireActor(actor); err != nil {
		return PRF{}, err
	}
	if err := s.validate(input); err != nil {
		return PRF{}, err
	}
	now := s.now()
	prf := PRF{
		RequesterID: actor.ID,
		LocationID:  input.LocationID,
		PeriodID:    input.PeriodID,
		Status:      PRFStatusDraft,
		Notes:       input.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.inTx(ctx, "prf.create", func(ctx context.Context, tx TxRepository) error {
		number, err := nextNumber(ctx, tx, PrefixPRF, prf.LocationID, now)
		if err != nil {
			return err
		}
		prf.Number = number
		id, err := tx.InsertPRF(ctx, prf)
		if err != nil {
			return err
		}
		prf.ID = id
		prf.Lines, err = tx.ReplacePRFLines(ctx, id, buildPRFLines(input.Lines))
		return err
	})
	if err != nil {
		return PRF{}, err
	}
	prf.Total = PRFTotal(prf.Lines)
	s.recordAudit(ctx, actor, "prf.create", "prf", prf.ID, map[string]any{"number": prf.Number})
	return prf, nil
}

// GetPRF returns a requisition with its lines.
func (s *Service) GetPRF(ctx context.Context, id int64) (PRF, error) {
	prf, err := s.repo.GetPRF(ctx, id)
	if err != nil {
		return PRF{}, err
	}
	prf.Total = PRFTotal(prf.Lines)
	return prf, nil
}

// lockOwnDraft locks a PRF that must be a DRAFT owned by actor.
func lockOwnDraft(ctx context.Context, tx TxRepository, actor shared.Actor, id int64) (PRF, error) {
	prf, err := tx.LockPRF(ctx, id)
	if err != nil {
		return PRF{}, err
	}
	if prf.RequesterID != actor.ID {
		return PRF{}, fmt.Errorf("%w: only the requester may change %s", shared.ErrPermissionDenied, prf.Number)
	}
	if prf.Status != PRFStatusDraft {
		return PRF{}, fmt.Errorf("%w: %s is %s", shared.ErrInvalidStateTransition, prf.Number, prf.Status)
	}
	return prf, nil
}

// UpdatePRF replaces notes and lines of a DRAFT requisition.
func (s *Service) UpdatePRF(ctx context.Context, actor shared.Actor, id int64, input UpdatePRFInput) (PRF, error) {
	if err := requireActor(actor); err != nil {
		return PRF{}, err
	}
	if err := s.validate(input); err != nil {
		return PRF{}, err
	}
	var prf PRF
	err := s.inTx(ctx, "prf.update", func(ctx context.Context, tx TxRepository) error {
		var err error
		prf, err = lockOwnDraft(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if input.PeriodID > 0 {
			prf.PeriodID = input.PeriodID
		}
		prf.Notes = input.Notes
		prf.UpdatedAt = s.now()
		if err := tx.UpdatePRF(ctx, prf); err != nil {
			return err
		}
		prf.Lines, err = tx.ReplacePRFLines(ctx, id, buildPRFLines(input.Lines))
		return err
	})
	if err != nil {
		return PRF{}, err
	}
	prf.Total = PRFTotal(prf.Lines)
	s.recordAudit(ctx, actor, "prf.update", "prf", prf.ID, map[string]any{"lines": len(prf.Lines)})
	return prf, nil
}

// DeletePRF removes a DRAFT requisition.
func (s *Service) DeletePRF(ctx context.Context, actor shared.Actor, id int64) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	var number string
	err := s.inTx(ctx, "prf.delete", func(ctx context.Context, tx TxRepository) error {
		prf, err := lockOwnDraft(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		number = prf.Number
		return tx.DeletePRF(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "prf.delete", "prf", id, map[string]any{"number": number})
	return nil
}

// SubmitPRF moves a DRAFT requisition to PENDING and notifies approvers.
func (s *Service) SubmitPRF(ctx context.Context, actor shared.Actor, id int64) (PRFResult, error) {
	if err := requireActor(actor); err != nil {
		return PRFResult{}, err
	}
	var prf PRF
	err := s.inTx(ctx, "prf.submit", func(ctx context.Context, tx TxRepository) error {
		var err error
		prf, err = lockOwnDraft(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if len(prf.Lines) == 0 {
			return fmt.Errorf("%w: %s has no lines", shared.ErrValidation, prf.Number)
		}
		prf.Status = PRFStatusPending
		prf.UpdatedAt = s.now()
		return tx.UpdatePRF(ctx, prf)
	})
	if err != nil {
		return PRFResult{}, err
	}
	prf.Total = PRFTotal(prf.Lines)
	s.recordApproval(ctx, approvalModulePRF, prf.ID, actor, shared.ApprovalSubmit, "")
	s.recordAudit(ctx, actor, "prf.submit", "prf", prf.ID, nil)
	amount := prf.Total
	n := s.notifyApprovers(ctx, prf.LocationID, notify.EventPRFSubmitted, notify.Payload{
		DocumentNumber: prf.Number,
		Actor:          actor.Label(),
		Amount:         &amount,
		Lines:          len(prf.Lines),
	})
	return PRFResult{PRF: prf, Message: prf.Number + " submitted for approval", Notification: n}, nil
}

// ApprovePRF approves a PENDING requisition.
func (s *Service) ApprovePRF(ctx context.Context, actor shared.Actor, id int64) (PRFResult, error) {
	if !s.perms.CanApprovePRF(actor) {
		return PRFResult{}, fmt.Errorf("%w: approve requisition", shared.ErrPermissionDenied)
	}
	var prf PRF
	err := s.inTx(ctx, "prf.approve", func(ctx context.Context, tx TxRepository) error {
		var err error
		prf, err = lockPending(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		approver := actor.ID
		prf.Status = PRFStatusApproved
		prf.ApprovedBy = &approver
		prf.ApprovedAt = &now
		prf.UpdatedAt = now
		return tx.UpdatePRF(ctx, prf)
	})
	if err != nil {
		return PRFResult{}, err
	}
	prf.Total = PRFTotal(prf.Lines)
	s.recordApproval(ctx, approvalModulePRF, prf.ID, actor, shared.ApprovalApprove, "")
	s.recordAudit(ctx, actor, "prf.approve", "prf", prf.ID, nil)
	amount := prf.Total
	n := s.notifyUsers(ctx, []int64{prf.RequesterID}, notify.EventPRFApproved, notify.Payload{
		DocumentNumber: prf.Number,
		Actor:          actor.Label(),
		Amount:         &amount,
		Lines:          len(prf.Lines),
	})
	return PRFResult{PRF: prf, Message: prf.Number + " approved", Notification: n}, nil
}

// RejectPRF rejects a PENDING requisition. reason is mandatory.
func (s *Service) RejectPRF(ctx context.Context, actor shared.Actor, id int64, reason string) (PRFResult, error) {
	if !s.perms.CanApprovePRF(actor) {
		return PRFResult{}, fmt.Errorf("%w: reject requisition", shared.ErrPermissionDenied)
	}
	reason, err := requireText(reason, "rejection_reason")
	if err != nil {
		return PRFResult{}, err
	}
	var prf PRF
	err = s.inTx(ctx, "prf.reject", func(ctx context.Context, tx TxRepository) error {
		var err error
		prf, err = lockPending(ctx, tx, id)
		if err != nil {
			return err
		}
		prf.Status = PRFStatusRejected
		prf.RejectionReason = reason
		prf.UpdatedAt = s.now()
		return tx.UpdatePRF(ctx, prf)
	})
	if err != nil {
		return PRFResult{}, err
	}
	prf.Total = PRFTotal(prf.Lines)
	s.recordApproval(ctx, approvalModulePRF, prf.ID, actor, shared.ApprovalReject, reason)
	s.recordAudit(ctx, actor, "prf.reject", "prf", prf.ID, map[string]any{"reason": reason})
	n := s.notifyUsers(ctx, []int64{prf.RequesterID}, notify.EventPRFRejected, notify.Payload{
		DocumentNumber: prf.Number,
		Actor:          actor.Label(),
		Reason:         reason,
	})
	return PRFResult{PRF: prf, Message: prf.Number + " rejected", Notification: n}, nil
}

func lockPending(ctx context.Context, tx TxRepository, id int64) (PRF, error) {
	prf, err := tx.LockPRF(ctx, id)
	if err != nil {
		return PRF{}, err
	}
	if prf.Status != PRFStatusPending {
		return PRF{}, fmt.Errorf("%w: %s is %s", shared.ErrInvalidStateTransition, prf.Number, prf.Status)
	}
	return prf, nil
}

// ClonePRF copies a REJECTED requisition into a new DRAFT. The source is
// left untouched.
func (s *Service) ClonePRF(ctx context.Context, actor shared.Actor, id int64) (PRF, error) {
	if err := requireActor(actor); err != nil {
		return PRF{}, err
	}
	now := s.now()
	var clone PRF
	err := s.inTx(ctx, "prf.clone", func(ctx context.Context, tx TxRepository) error {
		src, err := tx.LockPRF(ctx, id)
		if err != nil {
			return err
		}
		if src.RequesterID != actor.ID {
			return fmt.Errorf("%w: only the requester may clone %s", shared.ErrPermissionDenied, src.Number)
		}
		if src.Status != PRFStatusRejected {
			return fmt.Errorf("%w: only rejected requisitions can be cloned, %s is %s", shared.ErrInvalidStateTransition, src.Number, src.Status)
		}
		clone = PRF{
			RequesterID: actor.ID,
			LocationID:  src.LocationID,
			PeriodID:    src.PeriodID,
			Status:      PRFStatusDraft,
			Notes:       src.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		clone.Number, err = nextNumber(ctx, tx, PrefixPRF, src.LocationID, now)
		if err != nil {
			return err
		}
		clone.ID, err = tx.InsertPRF(ctx, clone)
		if err != nil {
			return err
		}
		lines := make([]PRFLine, 0, len(src.Lines))
		for _, l := range src.Lines {
			l.ID = 0
			l.PRFID = 0
			lines = append(lines, l)
		}
		clone.Lines, err = tx.ReplacePRFLines(ctx, clone.ID, lines)
		return err
	})
	if err != nil {
		return PRF{}, err
	}
	clone.Total = PRFTotal(clone.Lines)
	s.recordAudit(ctx, actor, "prf.clone", "prf", clone.ID, map[string]any{"source_id": id, "number": clone.Number})
	return clone, nil
}
