package ncr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/fulfillment/internal/procurement"
)

// VarianceTrigger turns committed delivery posts into price variance NCRs.
// It runs after the post commits; its failures never reach the post.
type VarianceTrigger struct {
	svc    *Service
	logger *slog.Logger
}

// NewVarianceTrigger constructs the trigger.
func NewVarianceTrigger(svc *Service, logger *slog.Logger) *VarianceTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &VarianceTrigger{svc: svc, logger: logger}
}

// HandleDeliveryPosted implements procurement.PostHook.
func (t *VarianceTrigger) HandleDeliveryPosted(ctx context.Context, evt procurement.DeliveryPostedEvent) error {
	created, err := t.svc.CreateForVariance(ctx, evt)
	if err != nil {
		return fmt.Errorf("ncr: variance for %s: %w", evt.Number, err)
	}
	for _, n := range created {
		t.logger.Info("price variance NCR created",
			slog.String("ncr", n.Number),
			slog.String("delivery", evt.Number),
			slog.String("value", n.Value.StringFixed(2)))
	}
	return nil
}

var _ procurement.PostHook = (*VarianceTrigger)(nil)
