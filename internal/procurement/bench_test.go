package procurement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func benchLines(n int) []POLine {
	lines := make([]POLine, n)
	for i := range lines {
		lines[i] = POLine{
			ID:              int64(i + 1),
			ItemID:          int64(100 + i),
			Quantity:        decimal.NewFromInt(int64(10 + i)),
			DeliveredQty:    decimal.NewFromInt(int64(i)),
			UnitPrice:       dec("12.345"),
			DiscountPercent: dec("2.5"),
			VATPercent:      dec("11"),
		}
	}
	return lines
}

func BenchmarkComputeTotals(b *testing.B) {
	lines := benchLines(50)
	b.ReportAllocs()
	for b.Loop() {
		_ = ComputeTotals(lines)
	}
}

func BenchmarkSummarize(b *testing.B) {
	lines := benchLines(50)
	b.ReportAllocs()
	for b.Loop() {
		_ = Summarize(lines)
	}
}

func BenchmarkResolvePOLineByItem(b *testing.B) {
	lines := benchLines(200)
	dl := DeliveryLine{ItemID: 299}
	for b.Loop() {
		if _, err := ResolvePOLine(lines, dl); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPostDelivery measures one full post transaction against the
// in-memory store, partial quantities so the PO stays open.
func BenchmarkPostDelivery(b *testing.B) {
	h := newHarness(b)
	po := h.openPO(b, "1000000", "1000000")
	ctx := context.Background()
	for b.Loop() {
		b.StopTimer()
		d := h.draftDelivery(b, po, "1", "1")
		b.StartTimer()
		_, err := h.svc.PostDelivery(ctx, supervisor, d.ID)
		require.NoError(b, err)
	}
}
