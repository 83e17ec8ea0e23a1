package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/notify"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Approval history modules.
const (
	approvalModulePRF      = "PRF"
	approvalModuleDelivery = "DELIVERY"
)

// Service orchestrates the requisition to delivery workflow.
type Service struct {
	repo      RepositoryPort
	perms     Permissions
	prices    PriceBook
	notifier  notify.Notifier
	directory notify.Directory
	validator *shared.Validator
	ledger    Ledger
	logger    *slog.Logger

	audit     AuditPort
	approvals ApprovalPort
	metrics   MetricsPort
	hook      PostHook
	clock     func() time.Time
	location  *time.Location
}

// Option customises a Service.
type Option func(*Service)

// WithAudit records audit entries after each committed operation.
func WithAudit(a AuditPort) Option { return func(s *Service) { s.audit = a } }

// WithApprovals records approval history.
func WithApprovals(a ApprovalPort) Option { return func(s *Service) { s.approvals = a } }

// WithMetrics wires domain counters.
func WithMetrics(m MetricsPort) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithPostHook registers the consumer of committed delivery posts.
func WithPostHook(h PostHook) Option { return func(s *Service) { s.hook = h } }

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.clock = fn } }

// WithTimeZone sets the zone used for document number dates.
func WithTimeZone(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// NewService constructs the procurement service.
func NewService(repo RepositoryPort, perms Permissions, prices PriceBook, notifier notify.Notifier, directory notify.Directory, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:      repo,
		perms:     perms,
		prices:    prices,
		notifier:  notifier,
		directory: directory,
		validator: shared.NewValidator(),
		logger:    logger,
		metrics:   noopMetrics{},
		clock:     func() time.Time { return time.Now().UTC() },
		location:  time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notification reports the advisory outcome of a notification dispatch.
type Notification struct {
	Sent       bool   `json:"email_sent"`
	Recipients int    `json:"email_recipients,omitempty"`
	Error      string `json:"email_error,omitempty"`
}

func (s *Service) now() time.Time {
	return s.clock().In(s.location)
}

// inTx runs fn in a store transaction and counts lost races.
func (s *Service) inTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	err := s.repo.WithTx(ctx, fn)
	if errors.Is(err, shared.ErrConcurrentModification) {
		s.metrics.Conflict(op)
		s.logger.Warn("concurrent modification", slog.String("operation", op), slog.Any("error", err))
	}
	return err
}

func (s *Service) validate(input any) error {
	return s.validator.Struct(input)
}

func requireActor(actor shared.Actor) error {
	if actor.ID <= 0 {
		return fmt.Errorf("%w: actor required", shared.ErrPermissionDenied)
	}
	return nil
}

func requireText(value, field string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s", shared.ErrRequiredFieldMissing, field)
	}
	return value, nil
}

// appendNote adds line to notes on its own line.
func appendNote(notes, line string) string {
	if strings.TrimSpace(notes) == "" {
		return line
	}
	return strings.TrimRight(notes, "\n") + "\n" + line
}

func stampedNote(tag string, at time.Time, actor shared.Actor, reason string) string {
	return fmt.Sprintf("[%s %s] %s: %s", tag, at.Format(time.RFC3339), actor.Label(), reason)
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Actor, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
	if err != nil {
		s.metrics.SideEffectFailed("audit")
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) recordApproval(ctx context.Context, module string, id int64, actor shared.Actor, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  module,
		RefID:   shared.ApprovalRef(module, id),
		ActorID: actor.ID,
		Action:  action,
		Note:    note,
	})
	if err != nil {
		s.metrics.SideEffectFailed("approval_log")
		s.logger.Warn("record approval", slog.String("module", module), slog.Int64("id", id), slog.Any("error", err))
	}
}

func (s *Service) dispatch(ctx context.Context, event notify.Event, recipients []notify.Recipient, payload notify.Payload) Notification {
	if s.notifier == nil {
		return Notification{Error: "notifier not configured"}
	}
	res := s.notifier.Notify(ctx, event, recipients, payload)
	if !res.Sent {
		s.metrics.SideEffectFailed("notify")
		s.logger.Warn("notification not sent",
			slog.String("event", string(event)),
			slog.String("document", payload.DocumentNumber),
			slog.String("error", res.Error))
	}
	return Notification{Sent: res.Sent, Recipients: res.RecipientCount, Error: res.Error}
}

// notifyApprovers sends event to every supervisor and admin of locationID.
func (s *Service) notifyApprovers(ctx context.Context, locationID int64, event notify.Event, payload notify.Payload) Notification {
	if s.directory == nil {
		return s.dispatch(ctx, event, nil, payload)
	}
	recipients, err := s.directory.Approvers(ctx, locationID)
	if err != nil {
		s.metrics.SideEffectFailed("notify")
		s.logger.Warn("resolve approvers", slog.Int64("location_id", locationID), slog.Any("error", err))
		return Notification{Error: err.Error()}
	}
	return s.dispatch(ctx, event, recipients, payload)
}

// notifyUsers sends event to the given users, skipping unknown ids.
func (s *Service) notifyUsers(ctx context.Context, userIDs []int64, event notify.Event, payload notify.Payload) Notification {
	var recipients []notify.Recipient
	if s.directory != nil {
		for _, id := range userIDs {
			if id <= 0 {
				continue
			}
			r, err := s.directory.User(ctx, id)
			if err != nil {
				s.logger.Warn("resolve recipient", slog.Int64("user_id", id), slog.Any("error", err))
				continue
			}
			recipients = append(recipients, r)
		}
	}
	return s.dispatch(ctx, event, recipients, payload)
}
