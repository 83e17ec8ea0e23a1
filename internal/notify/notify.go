// Package notify dispatches fire-and-forget workflow notifications. A
// dispatch never fails the operation that triggered it; the outcome is
// reported back as a Result.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/fulfillment/jobs"
)

// Event names a workflow notification.
type Event string

const (
	EventPRFSubmitted         Event = "PRF_SUBMITTED"
	EventPRFApproved          Event = "PRF_APPROVED"
	EventPRFRejected          Event = "PRF_REJECTED"
	EventOverDeliveryPending  Event = "OVER_DELIVERY_PENDING"
	EventOverDeliveryApproved Event = "OVER_DELIVERY_APPROVED"
	EventOverDeliveryRejected Event = "OVER_DELIVERY_REJECTED"
	EventOverDeliveryReminder Event = "OVER_DELIVERY_REMINDER"
	EventPOClosed             Event = "PO_CLOSED"
)

// Recipient is a user that can receive notifications.
type Recipient struct {
	UserID int64
	Name   string
	Email  string
}

// Payload carries the document context rendered into the message.
type Payload struct {
	DocumentNumber string
	Actor          string
	Reason         string
	Amount         *decimal.Decimal
	Lines          int
}

// Result reports the outcome of a dispatch.
type Result struct {
	Sent           bool
	RecipientCount int
	Error          string
}

// Notifier is the dispatch contract consumed by workflow services.
type Notifier interface {
	Notify(ctx context.Context, event Event, recipients []Recipient, payload Payload) Result
}

// Enqueuer queues a mail task.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// ErrNoRecipients is reported when nobody is addressable.
var ErrNoRecipients = errors.New("notify: no recipients")

const maxParallelEnqueue = 4

// Dispatcher renders messages and queues one mail task per recipient.
type Dispatcher struct {
	queue   Enqueuer
	logger  *slog.Logger
	printer *message.Printer
}

// NewDispatcher constructs a Dispatcher. locale selects number formatting
// for amounts, e.g. "en" or "id".
func NewDispatcher(queue Enqueuer, logger *slog.Logger, locale string) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	return &Dispatcher{queue: queue, logger: logger, printer: message.NewPrinter(tag)}
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(ctx context.Context, event Event, recipients []Recipient, payload Payload) Result {
	targets := dedupe(recipients)
	if len(targets) == 0 {
		d.logger.Warn("notification skipped", slog.String("event", string(event)), slog.String("document", payload.DocumentNumber))
		return Result{Error: ErrNoRecipients.Error()}
	}
	if d.queue == nil {
		return Result{Error: "notify: queue not configured"}
	}
	subject, body := d.render(event, payload)

	var (
		mu   sync.Mutex
		sent int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelEnqueue)
	for _, r := range targets {
		g.Go(func() error {
			_, err := d.queue.EnqueueSendEmail(gctx, jobs.SendEmailPayload{
				To:      r.Email,
				Subject: subject,
				Body:    greeting(r) + body,
				Event:   string(event),
			})
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", r.Email, err)
			}
			mu.Lock()
			sent++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("notification dispatch failed",
			slog.String("event", string(event)),
			slog.String("document", payload.DocumentNumber),
			slog.Int("queued", sent),
			slog.Any("error", err))
		return Result{Sent: false, RecipientCount: sent, Error: err.Error()}
	}
	return Result{Sent: true, RecipientCount: sent}
}

func dedupe(recipients []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		email := strings.TrimSpace(strings.ToLower(r.Email))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		r.Email = email
		out = append(out, r)
	}
	return out
}

func greeting(r Recipient) string {
	if r.Name == "" {
		return "Hello,\n\n"
	}
	return "Hello " + r.Name + ",\n\n"
}

func (d *Dispatcher) render(event Event, p Payload) (string, string) {
	var subject, body string
	switch event {
	case EventPRFSubmitted:
		subject = "PRF " + p.DocumentNumber + " awaits approval"
		body = fmt.Sprintf("%s submitted purchase requisition %s.", p.Actor, p.DocumentNumber)
	case EventPRFApproved:
		subject = "PRF " + p.DocumentNumber + " approved"
		body = fmt.Sprintf("%s approved purchase requisition %s.", p.Actor, p.DocumentNumber)
	case EventPRFRejected:
		subject = "PRF " + p.DocumentNumber + " rejected"
		body = fmt.Sprintf("%s rejected purchase requisition %s.", p.Actor, p.DocumentNumber)
	case EventOverDeliveryPending:
		subject = "Delivery " + p.DocumentNumber + " needs over-delivery approval"
		body = d.printer.Sprintf("%s requested approval for %d over-delivered line(s) on %s.", p.Actor, p.Lines, p.DocumentNumber)
	case EventOverDeliveryReminder:
		subject = "Reminder: delivery " + p.DocumentNumber + " still awaits over-delivery approval"
		body = d.printer.Sprintf("Delivery %s has %d over-delivered line(s) waiting for a decision.", p.DocumentNumber, p.Lines)
	case EventOverDeliveryApproved:
		subject = "Over-delivery on " + p.DocumentNumber + " approved"
		body = fmt.Sprintf("%s approved the over-delivery on %s. It can now be posted.", p.Actor, p.DocumentNumber)
	case EventOverDeliveryRejected:
		subject = "Over-delivery on " + p.DocumentNumber + " rejected"
		body = fmt.Sprintf("%s rejected the over-delivery on %s. The delivery is locked; create a new one.", p.Actor, p.DocumentNumber)
	case EventPOClosed:
		subject = "PO " + p.DocumentNumber + " closed"
		body = fmt.Sprintf("Purchase order %s was closed by %s.", p.DocumentNumber, p.Actor)
	default:
		subject = string(event) + " " + p.DocumentNumber
		body = fmt.Sprintf("%s on %s.", event, p.DocumentNumber)
	}
	if p.Amount != nil {
		f, _ := p.Amount.Float64()
		body += d.printer.Sprintf("\nAmount: %.2f", f)
	}
	if p.Reason != "" {
		body += "\nReason: " + p.Reason
	}
	return subject, body + "\n"
}
