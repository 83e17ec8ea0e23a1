package ncr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Service creates NCRs and moves them through their lifecycle.
type Service struct {
	repo      RepositoryPort
	perms     Permissions
	validator *shared.Validator
	logger    *slog.Logger
	audit     AuditPort
	metrics   MetricsPort
	clock     func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithAudit records audit entries after each committed operation.
func WithAudit(a AuditPort) Option { return func(s *Service) { s.audit = a } }

// WithMetrics wires the created counter.
func WithMetrics(m MetricsPort) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.clock = fn } }

// NewService constructs the NCR service.
func NewService(repo RepositoryPort, perms Permissions, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		perms:     perms,
		validator: shared.NewValidator(),
		logger:    logger,
		metrics:   noopMetrics{},
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateManualInput raises a MANUAL NCR.
type CreateManualInput struct {
	LocationID     int64           `json:"location_id" validate:"required,gt=0"`
	DeliveryID     *int64          `json:"delivery_id" validate:"omitempty,gt=0"`
	DeliveryLineID *int64          `json:"delivery_line_id" validate:"omitempty,gt=0"`
	ItemID         *int64          `json:"item_id" validate:"omitempty,gt=0"`
	Quantity       decimal.Decimal `json:"quantity" validate:"gte=0"`
	Value          decimal.Decimal `json:"value" validate:"gte=0"`
	Description    string          `json:"description" validate:"required"`
}

// TransitionInput moves an NCR to a new status. Resolution type and
// financial impact are both required when the target is RESOLVED.
type TransitionInput struct {
	To              Status          `json:"to" validate:"required,oneof=SENT CREDITED REJECTED RESOLVED"`
	ResolutionType  ResolutionType  `json:"resolution_type"`
	FinancialImpact FinancialImpact `json:"financial_impact"`
}

// Get returns an NCR.
func (s *Service) Get(ctx context.Context, id int64) (NCR, error) {
	return s.repo.Get(ctx, id)
}

// ListByDelivery returns the NCRs raised for a delivery.
func (s *Service) ListByDelivery(ctx context.Context, deliveryID int64) ([]NCR, error) {
	return s.repo.ListByDelivery(ctx, deliveryID)
}

// CreateManual raises a MANUAL NCR in status OPEN.
func (s *Service) CreateManual(ctx context.Context, actor shared.Actor, input CreateManualInput) (NCR, error) {
	if !s.perms.CanManageNCR(actor) {
		return NCR{}, fmt.Errorf("%w: create NCR", shared.ErrPermissionDenied)
	}
	if err := s.validator.Struct(input); err != nil {
		return NCR{}, err
	}
	now := s.clock()
	n := NCR{
		Type:           TypeManual,
		Status:         StatusOpen,
		DeliveryID:     input.DeliveryID,
		DeliveryLineID: input.DeliveryLineID,
		ItemID:         input.ItemID,
		LocationID:     input.LocationID,
		Quantity:       input.Quantity,
		Value:          input.Value.Round(2),
		Description:    strings.TrimSpace(input.Description),
		CreatedBy:      actor.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return insert(ctx, tx, &n, now)
	})
	if err != nil {
		return NCR{}, err
	}
	s.metrics.NCRCreated(string(TypeManual))
	s.recordAudit(ctx, actor.ID, "ncr.create", n.ID, map[string]any{"number": n.Number, "type": string(n.Type)})
	return n, nil
}

func insert(ctx context.Context, tx TxRepository, n *NCR, now time.Time) error {
	code, seq, err := tx.NextSequence(ctx, PrefixNCR, n.LocationID, now)
	if err != nil {
		return fmt.Errorf("allocate NCR number: %w", err)
	}
	n.Number = procurement.FormatNumber(PrefixNCR, code, now, seq)
	id, err := tx.Insert(ctx, *n)
	if err != nil {
		return err
	}
	n.ID = id
	return nil
}

// Transition moves an NCR along OPEN -> SENT -> CREDITED/REJECTED/RESOLVED
// or OPEN -> RESOLVED.
func (s *Service) Transition(ctx context.Context, actor shared.Actor, id int64, input TransitionInput) (NCR, error) {
	if !s.perms.CanManageNCR(actor) {
		return NCR{}, fmt.Errorf("%w: transition NCR", shared.ErrPermissionDenied)
	}
	if err := s.validator.Struct(input); err != nil {
		return NCR{}, err
	}
	if input.To == StatusResolved {
		if input.ResolutionType == "" || input.FinancialImpact == "" {
			return NCR{}, fmt.Errorf("%w: resolution_type and financial_impact", shared.ErrRequiredFieldMissing)
		}
		if !input.ResolutionType.valid() || !input.FinancialImpact.valid() {
			return NCR{}, fmt.Errorf("%w: unknown resolution_type or financial_impact", shared.ErrValidation)
		}
	}
	var (
		n    NCR
		from Status
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		n, err = tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		from = n.Status
		if !CanTransition(n.Status, input.To) {
			return fmt.Errorf("%w: %s cannot move from %s to %s", shared.ErrInvalidStateTransition, n.Number, n.Status, input.To)
		}
		now := s.clock()
		n.Status = input.To
		if input.To == StatusResolved {
			resolver := actor.ID
			n.ResolutionType = input.ResolutionType
			n.FinancialImpact = input.FinancialImpact
			n.ResolvedBy = &resolver
			n.ResolvedAt = &now
		}
		n.UpdatedAt = now
		return tx.Update(ctx, n)
	})
	if err != nil {
		return NCR{}, err
	}
	s.recordAudit(ctx, actor.ID, "ncr.transition", n.ID, map[string]any{"from": string(from), "to": string(n.Status)})
	return n, nil
}

// CreateForVariance raises one PRICE_VARIANCE NCR per posted line with a
// non-zero variance, in its own transaction. Lines that already have an
// NCR are skipped so a replayed event does not duplicate records.
func (s *Service) CreateForVariance(ctx context.Context, evt procurement.DeliveryPostedEvent) ([]NCR, error) {
	var created []NCR
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created = created[:0]
		now := s.clock()
		for _, line := range evt.Lines {
			if line.Variance.IsZero() {
				continue
			}
			exists, err := tx.ExistsForDeliveryLine(ctx, line.DeliveryLineID)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			deliveryID, lineID, itemID := evt.DeliveryID, line.DeliveryLineID, line.ItemID
			unit, period := line.UnitPrice, line.PeriodPrice
			n := NCR{
				Type:           TypePriceVariance,
				Status:         StatusOpen,
				DeliveryID:     &deliveryID,
				DeliveryLineID: &lineID,
				ItemID:         &itemID,
				LocationID:     evt.LocationID,
				Quantity:       line.Quantity,
				UnitPrice:      &unit,
				PeriodPrice:    &period,
				Value:          VarianceValue(line.Variance, line.Quantity),
				AutoGenerated:  true,
				Description: fmt.Sprintf("Price variance on %s: unit price %s vs period price %s",
					evt.Number, unit.StringFixed(2), period.StringFixed(2)),
				CreatedBy: evt.ActorID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := insert(ctx, tx, &n, now); err != nil {
				return err
			}
			created = append(created, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, n := range created {
		s.metrics.NCRCreated(string(n.Type))
		s.recordAudit(ctx, evt.ActorID, "ncr.create", n.ID, map[string]any{
			"number":      n.Number,
			"type":        string(n.Type),
			"delivery_id": evt.DeliveryID,
			"value":       n.Value.StringFixed(2),
		})
	}
	return created, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "ncr",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
