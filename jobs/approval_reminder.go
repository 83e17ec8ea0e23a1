package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/fulfillment/internal/jobs"
)

const (
	// TaskApprovalReminder re-notifies approvers of deliveries stuck in
	// pending over-delivery approval.
	TaskApprovalReminder = "delivery:approval-reminder"
)

// ApprovalReminderPayload contains options for the reminder job.
type ApprovalReminderPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// NewApprovalReminderTask builds a new reminder task.
func NewApprovalReminderTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(ApprovalReminderPayload{OlderThanHours: int(olderThan.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalReminder, body, asynq.Queue(QueueDefault)), nil
}

// ApprovalReminder sends reminders for deliveries pending approval longer
// than the given age and reports how many were reminded.
type ApprovalReminder interface {
	RemindPendingApprovals(ctx context.Context, olderThan time.Duration) (int, error)
}

// ApprovalReminderJob handles TaskApprovalReminder.
type ApprovalReminderJob struct {
	Reminder ApprovalReminder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle performs the reminder sweep.
func (j *ApprovalReminderJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Reminder == nil {
		return errors.New("approval reminder: handler not configured")
	}
	var payload ApprovalReminderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.OlderThanHours <= 0 {
		payload.OlderThanHours = 24
	}
	tracker := j.Metrics.Track(TaskApprovalReminder)
	defer func() { err = tracker.End(err) }()

	count, err := j.Reminder.RemindPendingApprovals(ctx, time.Duration(payload.OlderThanHours)*time.Hour)
	if err != nil {
		j.logger().Error("approval reminder", slog.Any("error", err))
		return err
	}
	j.Metrics.AddReminders(count)
	j.logger().Info("approval reminders sent", slog.Int("deliveries", count))
	return nil
}

func (j *ApprovalReminderJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
