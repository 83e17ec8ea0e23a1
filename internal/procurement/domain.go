package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

// PRFStatus is the purchase requisition lifecycle status.
type PRFStatus string

const (
	PRFStatusDraft    PRFStatus = "DRAFT"
	PRFStatusPending  PRFStatus = "PENDING"
	PRFStatusApproved PRFStatus = "APPROVED"
	PRFStatusRejected PRFStatus = "REJECTED"
	PRFStatusClosed   PRFStatus = "CLOSED"
)

// POStatus is the purchase order lifecycle status.
type POStatus string

const (
	POStatusOpen   POStatus = "OPEN"
	POStatusClosed POStatus = "CLOSED"
)

// DeliveryStatus is the base delivery lifecycle status.
type DeliveryStatus string

const (
	DeliveryStatusDraft    DeliveryStatus = "DRAFT"
	DeliveryStatusPosted   DeliveryStatus = "POSTED"
	DeliveryStatusRejected DeliveryStatus = "REJECTED"
)

// Document number prefixes.
const (
	PrefixPRF      = "PRF"
	PrefixPO       = "PO"
	PrefixDelivery = "DEL"
)

// PRF is a purchase requisition.
type PRF struct {
	ID              int64           `json:"id"`
	Number          string          `json:"number"`
	RequesterID     int64           `json:"requester_id"`
	LocationID      int64           `json:"location_id"`
	PeriodID        int64           `json:"period_id"`
	Status          PRFStatus       `json:"status"`
	Notes           string          `json:"notes"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ApprovedBy      *int64          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Lines           []PRFLine       `json:"lines"`
	Total           decimal.Decimal `json:"total"`
}

// PRFLine is a requested item.
type PRFLine struct {
	ID             int64           `json:"id"`
	PRFID          int64           `json:"prf_id"`
	ItemID         *int64          `json:"item_id,omitempty"`
	Description    string          `json:"description"`
	Quantity       decimal.Decimal `json:"quantity"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
}

// Value is quantity times estimated price.
func (l PRFLine) Value() decimal.Decimal {
	return l.Quantity.Mul(l.EstimatedPrice)
}

// PRFTotal sums line values.
func PRFTotal(lines []PRFLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Value())
	}
	return total
}

// PO is a purchase order.
type PO struct {
	ID                  int64           `json:"id"`
	Number              string          `json:"number"`
	PRFID               *int64          `json:"prf_id,omitempty"`
	SupplierID          int64           `json:"supplier_id"`
	LocationID          int64           `json:"location_id"`
	PeriodID            int64           `json:"period_id"`
	Status              POStatus        `json:"status"`
	Notes               string          `json:"notes"`
	TotalBeforeDiscount decimal.Decimal `json:"total_before_discount"`
	TotalDiscount       decimal.Decimal `json:"total_discount"`
	TotalAfterDiscount  decimal.Decimal `json:"total_after_discount"`
	TotalVAT            decimal.Decimal `json:"total_vat"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	CreatedBy           int64           `json:"created_by"`
	ClosedBy            *int64          `json:"closed_by,omitempty"`
	ClosedAt            *time.Time      `json:"closed_at,omitempty"`
	ClosureReason       string          `json:"closure_reason,omitempty"`
	AutoClosed          bool            `json:"auto_closed"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Lines               []POLine        `json:"lines"`
}

// POLine is an ordered item. Remaining quantity is always derived.
type POLine struct {
	ID              int64           `json:"id"`
	POID            int64           `json:"po_id"`
	ItemID          int64           `json:"item_id"`
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity"`
	DeliveredQty    decimal.Decimal `json:"delivered_qty"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	VATPercent      decimal.Decimal `json:"vat_percent"`
}

// Remaining is ordered minus delivered; negative once over-delivered.
func (l POLine) Remaining() decimal.Decimal {
	return l.Quantity.Sub(l.DeliveredQty)
}

// Delivery is a receipt of goods against one PO.
type Delivery struct {
	ID                   int64          `json:"id"`
	Number               string         `json:"number"`
	POID                 int64          `json:"po_id"`
	SupplierID           int64          `json:"supplier_id"`
	LocationID           int64          `json:"location_id"`
	PeriodID             int64          `json:"period_id"`
	InvoiceNumber        string         `json:"invoice_number"`
	DeliveryDate         time.Time      `json:"delivery_date"`
	Status               DeliveryStatus `json:"status"`
	PendingApproval      bool           `json:"pending_approval"`
	OverDeliveryRejected bool           `json:"over_delivery_rejected"`
	Notes                string         `json:"notes"`
	CreatedBy            int64          `json:"created_by"`
	PostedBy             *int64         `json:"posted_by,omitempty"`
	PostedAt             *time.Time     `json:"posted_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	Lines                []DeliveryLine `json:"lines"`
}

// Locked reports whether the delivery was frozen by an over-delivery
// rejection.
func (d Delivery) Locked() bool {
	return d.OverDeliveryRejected
}

// HasOverDelivery reports whether any line is flagged.
func (d Delivery) HasOverDelivery() bool {
	for _, l := range d.Lines {
		if l.OverDelivery {
			return true
		}
	}
	return false
}

// UnapprovedOverDelivery counts flagged lines not yet approved.
func (d Delivery) UnapprovedOverDelivery() int {
	n := 0
	for _, l := range d.Lines {
		if l.OverDelivery && !l.OverDeliveryApproved {
			n++
		}
	}
	return n
}

// DeliveryLine is a received quantity of one PO line.
type DeliveryLine struct {
	ID                   int64            `json:"id"`
	DeliveryID           int64            `json:"delivery_id"`
	POLineID             *int64           `json:"po_line_id,omitempty"`
	ItemID               int64            `json:"item_id"`
	Quantity             decimal.Decimal  `json:"quantity"`
	UnitPrice            decimal.Decimal  `json:"unit_price"`
	PeriodPrice          *decimal.Decimal `json:"period_price,omitempty"`
	PriceVariance        *decimal.Decimal `json:"price_variance,omitempty"`
	OverDelivery         bool             `json:"over_delivery"`
	OverDeliveryApproved bool             `json:"over_delivery_approved"`
}

// FulfillmentSummary describes how much of a PO has been delivered.
type FulfillmentSummary struct {
	TotalOrdered        decimal.Decimal `json:"total_ordered"`
	TotalDelivered      decimal.Decimal `json:"total_delivered"`
	FulfillmentPercent  decimal.Decimal `json:"fulfillment_percent"`
	HasUnfulfilledItems bool            `json:"has_unfulfilled_items"`
}

var hundred = decimal.NewFromInt(100)

// Summarize computes the fulfillment summary of PO lines. The percentage
// is capped at 100 and rounded to two places.
func Summarize(lines []POLine) FulfillmentSummary {
	s := FulfillmentSummary{TotalOrdered: decimal.Zero, TotalDelivered: decimal.Zero, FulfillmentPercent: decimal.Zero}
	for _, l := range lines {
		s.TotalOrdered = s.TotalOrdered.Add(l.Quantity)
		s.TotalDelivered = s.TotalDelivered.Add(l.DeliveredQty)
		if l.Remaining().Sign() > 0 {
			s.HasUnfulfilledItems = true
		}
	}
	if s.TotalOrdered.Sign() > 0 {
		pct := s.TotalDelivered.Mul(hundred).DivRound(s.TotalOrdered, 4)
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		s.FulfillmentPercent = pct.Round(2)
	}
	return s
}

// Totals are the derived monetary totals of a PO.
type Totals struct {
	BeforeDiscount decimal.Decimal
	Discount       decimal.Decimal
	AfterDiscount  decimal.Decimal
	VAT            decimal.Decimal
	Amount         decimal.Decimal
}

// ComputeTotals derives PO totals from its lines:
// gross = qty*price, discount = gross*disc%/100, net = gross-discount,
// vat = net*vat%/100. Sums are rounded half away from zero to 2 places.
func ComputeTotals(lines []POLine) Totals {
	gross, disc, vat := decimal.Zero, decimal.Zero, decimal.Zero
	for _, l := range lines {
		g := l.Quantity.Mul(l.UnitPrice)
		d := g.Mul(l.DiscountPercent).Div(hundred)
		gross = gross.Add(g)
		disc = disc.Add(d)
		vat = vat.Add(g.Sub(d).Mul(l.VATPercent).Div(hundred))
	}
	t := Totals{
		BeforeDiscount: gross.Round(2),
		Discount:       disc.Round(2),
		VAT:            vat.Round(2),
	}
	t.AfterDiscount = t.BeforeDiscount.Sub(t.Discount)
	t.Amount = t.AfterDiscount.Add(t.VAT)
	return t
}

// ApplyTotals stores the derived totals on po.
func (po *PO) ApplyTotals() {
	t := ComputeTotals(po.Lines)
	po.TotalBeforeDiscount = t.BeforeDiscount
	po.TotalDiscount = t.Discount
	po.TotalAfterDiscount = t.AfterDiscount
	po.TotalVAT = t.VAT
	po.TotalAmount = t.Amount
}
