package procurement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func poLines() []POLine {
	return []POLine{
		{ID: 1, ItemID: 100, Quantity: dec("10"), DeliveredQty: dec("10")},
		{ID: 2, ItemID: 100, Quantity: dec("5"), DeliveredQty: dec("1")},
		{ID: 3, ItemID: 200, Quantity: dec("8"), DeliveredQty: dec("0")},
	}
}

func ptr(v int64) *int64 { return &v }

func TestResolvePOLine(t *testing.T) {
	lines := poLines()

	ref, err := ResolvePOLine(lines, DeliveryLine{POLineID: ptr(3)})
	require.NoError(t, err)
	require.Equal(t, POLineRef{Index: 2, LineID: 3, ItemID: 200}, ref)

	// item 100 prefers the line that still has quantity open
	ref, err = ResolvePOLine(lines, DeliveryLine{ItemID: 100})
	require.NoError(t, err)
	require.Equal(t, int64(2), ref.LineID)

	_, err = ResolvePOLine(lines, DeliveryLine{POLineID: ptr(9), ItemID: 100})
	require.ErrorIs(t, err, shared.ErrLineNotFound)

	_, err = ResolvePOLine(lines, DeliveryLine{ItemID: 300})
	require.ErrorIs(t, err, shared.ErrLineNotFound)

	_, err = ResolvePOLine(lines, DeliveryLine{})
	require.ErrorIs(t, err, shared.ErrLineNotFound)
}

func TestResolvePOLineFallsBackToFirstFulfilledLine(t *testing.T) {
	lines := []POLine{
		{ID: 1, ItemID: 100, Quantity: dec("1"), DeliveredQty: dec("1")},
		{ID: 2, ItemID: 100, Quantity: dec("1"), DeliveredQty: dec("2")},
	}
	ref, err := ResolvePOLine(lines, DeliveryLine{ItemID: 100})
	require.NoError(t, err)
	require.Equal(t, int64(1), ref.LineID)
}

type mapLedgerStore map[int64]decimal.Decimal

func (m mapLedgerStore) IncrementDelivered(ctx context.Context, id int64, qty decimal.Decimal) (decimal.Decimal, error) {
	m[id] = m[id].Add(qty)
	return m[id], nil
}

func TestLedgerApplyDeliveryAggregatesPerLine(t *testing.T) {
	lines := poLines()
	store := mapLedgerStore{1: dec("10"), 2: dec("1"), 3: dec("0")}
	d := Delivery{Status: DeliveryStatusDraft, Lines: []DeliveryLine{
		{POLineID: ptr(3), Quantity: dec("3")},
		{ItemID: 200, Quantity: dec("5")},
		{POLineID: ptr(2), Quantity: dec("4")},
	}}

	balances, err := Ledger{}.ApplyDelivery(context.Background(), store, d, lines)
	require.NoError(t, err)
	require.Len(t, balances, 3)
	require.True(t, store[3].Equal(dec("8")))
	require.True(t, balances[2].Delivered.Equal(dec("8")))
	require.True(t, balances[2].Remaining.IsZero())
	require.True(t, balances[1].Delivered.Equal(dec("5")))
	require.True(t, balances[0].Delivered.Equal(dec("10")))
	require.True(t, AllFulfilled(balances))
}

func TestLedgerRejectsNonDraft(t *testing.T) {
	store := mapLedgerStore{}
	for _, status := range []DeliveryStatus{DeliveryStatusPosted, DeliveryStatusRejected} {
		_, err := Ledger{}.ApplyDelivery(context.Background(), store, Delivery{Status: status}, poLines())
		require.ErrorIs(t, err, shared.ErrAlreadyPosted)
	}
	require.Empty(t, store)
}

func TestAllFulfilled(t *testing.T) {
	require.False(t, AllFulfilled(nil))
	require.False(t, AllFulfilled([]LineBalance{{Remaining: dec("0")}, {Remaining: dec("0.5")}}))
	require.True(t, AllFulfilled([]LineBalance{{Remaining: dec("0")}, {Remaining: dec("-1")}}))
}

func TestFlagOverDeliveryIsCumulative(t *testing.T) {
	lines := []POLine{{ID: 1, ItemID: 100, Quantity: dec("10"), DeliveredQty: dec("6")}}
	out, err := flagOverDelivery(lines, []DeliveryLine{
		{POLineID: ptr(1), Quantity: dec("3"), OverDeliveryApproved: true},
		{ItemID: 100, Quantity: dec("2")},
	})
	require.NoError(t, err)
	require.False(t, out[0].OverDelivery)
	require.False(t, out[0].OverDeliveryApproved)
	require.True(t, out[1].OverDelivery)
	require.Equal(t, int64(1), *out[1].POLineID)
	require.Equal(t, int64(100), out[0].ItemID)
}

func TestCheckPostGate(t *testing.T) {
	lines := []POLine{{ID: 1, ItemID: 100, Quantity: dec("5"), DeliveredQty: dec("5")}}

	err := checkPostGate(Delivery{Lines: []DeliveryLine{{ID: 7, POLineID: ptr(1), Quantity: dec("1"), OverDelivery: true}}}, lines)
	require.ErrorIs(t, err, shared.ErrOverDeliveryNotApproved)

	err = checkPostGate(Delivery{Lines: []DeliveryLine{{ID: 7, POLineID: ptr(1), Quantity: dec("1")}}}, lines)
	require.ErrorIs(t, err, shared.ErrConcurrentModification)

	err = checkPostGate(Delivery{Lines: []DeliveryLine{{ID: 7, POLineID: ptr(1), Quantity: dec("1"), OverDelivery: true, OverDeliveryApproved: true}}}, lines)
	require.NoError(t, err)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]POLine{
		{Quantity: dec("10"), DeliveredQty: dec("4")},
		{Quantity: dec("5"), DeliveredQty: dec("0")},
	})
	require.True(t, s.TotalOrdered.Equal(dec("15")))
	require.True(t, s.TotalDelivered.Equal(dec("4")))
	require.True(t, s.FulfillmentPercent.Equal(dec("26.67")))
	require.True(t, s.HasUnfulfilledItems)

	over := Summarize([]POLine{{Quantity: dec("10"), DeliveredQty: dec("12")}})
	require.True(t, over.FulfillmentPercent.Equal(dec("100")))
	require.False(t, over.HasUnfulfilledItems)

	empty := Summarize(nil)
	require.True(t, empty.FulfillmentPercent.IsZero())
}

func TestComputeTotalsRoundsHalfAwayFromZero(t *testing.T) {
	totals := ComputeTotals([]POLine{
		{Quantity: dec("3"), UnitPrice: dec("3.335"), DiscountPercent: dec("0"), VATPercent: dec("10")},
	})
	require.True(t, totals.BeforeDiscount.Equal(dec("10.01")))
	require.True(t, totals.VAT.Equal(dec("1")))
	require.True(t, totals.Amount.Equal(dec("11.01")))
}

func TestFormatNumber(t *testing.T) {
	day := time.Date(2025, 3, 5, 23, 59, 0, 0, time.UTC)
	require.Equal(t, "PRF-JKT-05-Mar-2025-01", FormatNumber(PrefixPRF, "jkt", day, 1))
	require.Equal(t, "DEL-SBY-05-Mar-2025-12", FormatNumber(PrefixDelivery, "SBY", day, 12))
	require.Equal(t, "PO-JKT-05-Mar-2025-100", FormatNumber(PrefixPO, "JKT", day, 100))
}
