package procurement

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/notify"
	"github.com/odyssey-erp/fulfillment/internal/periods"
	"github.com/odyssey-erp/fulfillment/internal/rbac"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

var testNow = time.Date(2025, 3, 5, 8, 0, 0, 0, time.UTC)

var (
	operator   = shared.Actor{ID: 10, Name: "op.jkt", Role: shared.RoleOperator, LocationIDs: []int64{1}}
	outsider   = shared.Actor{ID: 11, Name: "op.sby", Role: shared.RoleOperator, LocationIDs: []int64{2}}
	supervisor = shared.Actor{ID: 20, Name: "spv.jkt", Role: shared.RoleSupervisor, LocationIDs: []int64{1}}
	admin      = shared.Actor{ID: 30, Name: "admin", Role: shared.RoleAdmin}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type notifyCall struct {
	event      notify.Event
	recipients []notify.Recipient
	payload    notify.Payload
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	fail  bool
}

func (f *fakeNotifier) Notify(ctx context.Context, event notify.Event, recipients []notify.Recipient, payload notify.Payload) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{event: event, recipients: recipients, payload: payload})
	if f.fail {
		return notify.Result{Error: "smtp unavailable"}
	}
	if len(recipients) == 0 {
		return notify.Result{Error: notify.ErrNoRecipients.Error()}
	}
	return notify.Result{Sent: true, RecipientCount: len(recipients)}
}

func (f *fakeNotifier) events() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.Event, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.event)
	}
	return out
}

func (f *fakeNotifier) last() notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeDirectory struct{}

func (fakeDirectory) Approvers(ctx context.Context, locationID int64) ([]notify.Recipient, error) {
	return []notify.Recipient{
		{UserID: supervisor.ID, Name: supervisor.Name, Email: "spv@example.com"},
		{UserID: admin.ID, Name: admin.Name, Email: "admin@example.com"},
	}, nil
}

func (fakeDirectory) User(ctx context.Context, id int64) (notify.Recipient, error) {
	if id <= 0 || id > 100 {
		return notify.Recipient{}, notify.ErrUnknownUser
	}
	return notify.Recipient{UserID: id, Email: "user@example.com"}, nil
}

type fakePrices map[[2]int64]decimal.Decimal

func (f fakePrices) PeriodPrice(ctx context.Context, itemID, periodID int64) (decimal.Decimal, error) {
	p, ok := f[[2]int64{itemID, periodID}]
	if !ok {
		return decimal.Decimal{}, periods.ErrPriceNotFound
	}
	return p, nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *fakeMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key]++
}

func (m *fakeMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *fakeMetrics) DeliveryPosted()             { m.inc("posted") }
func (m *fakeMetrics) POClosed(mode string)        { m.inc("po_closed:" + mode) }
func (m *fakeMetrics) OverDelivery(outcome string) { m.inc("over_delivery:" + outcome) }
func (m *fakeMetrics) SideEffectFailed(e string)   { m.inc("side_effect:" + e) }
func (m *fakeMetrics) Conflict(op string)          { m.inc("conflict:" + op) }

type recordingHook struct {
	mu     sync.Mutex
	events []DeliveryPostedEvent
	err    error
}

func (h *recordingHook) HandleDeliveryPosted(ctx context.Context, evt DeliveryPostedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return h.err
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, log.Action)
	return nil
}

func (a *recordingAudit) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

type harness struct {
	repo     *memoryRepo
	svc      *Service
	notifier *fakeNotifier
	prices   fakePrices
	metrics  *fakeMetrics
	hook     *recordingHook
	audit    *recordingAudit
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	h := &harness{
		repo:     newMemoryRepo(),
		notifier: &fakeNotifier{},
		prices:   fakePrices{},
		metrics:  &fakeMetrics{},
		hook:     &recordingHook{},
		audit:    &recordingAudit{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewService(h.repo, rbac.NewRoleChecker(), h.prices, h.notifier, fakeDirectory{}, logger,
		WithMetrics(h.metrics),
		WithPostHook(h.hook),
		WithAudit(h.audit),
		WithClock(func() time.Time { return testNow }),
	)
	return h
}

// approvedPRF creates, submits and approves a requisition at location 1.
func (h *harness) approvedPRF(t testing.TB, qtys ...string) PRF {
	t.Helper()
	ctx := context.Background()
	input := CreatePRFInput{LocationID: 1, PeriodID: 7}
	for i, q := range qtys {
		item := int64(100 + i)
		input.Lines = append(input.Lines, PRFLineInput{ItemID: &item, Description: "item", Quantity: dec(q), EstimatedPrice: dec("10")})
	}
	prf, err := h.svc.CreatePRF(ctx, operator, input)
	require.NoError(t, err)
	_, err = h.svc.SubmitPRF(ctx, operator, prf.ID)
	require.NoError(t, err)
	res, err := h.svc.ApprovePRF(ctx, supervisor, prf.ID)
	require.NoError(t, err)
	return res.PRF
}

// openPO raises a standalone order at location 1 with one line per
// quantity, items 100, 101, ...
func (h *harness) openPO(t testing.TB, qtys ...string) PO {
	t.Helper()
	input := CreatePOInput{SupplierID: 5, LocationID: 1, PeriodID: 7}
	for i, q := range qtys {
		input.Lines = append(input.Lines, POLineInput{
			ItemID:      int64(100 + i),
			Description: "item",
			Quantity:    dec(q),
			UnitPrice:   dec("10"),
		})
	}
	po, err := h.svc.CreatePO(context.Background(), supervisor, input)
	require.NoError(t, err)
	return po
}

// draftDelivery records a delivery of qtys against the PO lines in order.
func (h *harness) draftDelivery(t testing.TB, po PO, qtys ...string) Delivery {
	t.Helper()
	input := CreateDeliveryInput{POID: po.ID, InvoiceNumber: "INV-1"}
	for i, q := range qtys {
		lineID := po.Lines[i].ID
		input.Lines = append(input.Lines, DeliveryLineInput{POLineID: &lineID, Quantity: dec(q)})
	}
	d, err := h.svc.CreateDelivery(context.Background(), operator, input)
	require.NoError(t, err)
	return d
}

func (h *harness) po(t testing.TB, id int64) PO {
	t.Helper()
	po, err := h.repo.GetPO(context.Background(), id)
	require.NoError(t, err)
	return po
}
