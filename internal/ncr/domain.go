// Package ncr manages non-conformance records: price variance exceptions
// raised automatically by delivery posts and manual quality records, each
// following its own resolution lifecycle.
package ncr

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type distinguishes how an NCR was raised.
type Type string

const (
	TypePriceVariance Type = "PRICE_VARIANCE"
	TypeManual        Type = "MANUAL"
)

// Status is the NCR resolution status.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusSent     Status = "SENT"
	StatusCredited Status = "CREDITED"
	StatusRejected Status = "REJECTED"
	StatusResolved Status = "RESOLVED"
)

// ResolutionType records how a resolved NCR was settled.
type ResolutionType string

const (
	ResolutionCreditNote    ResolutionType = "CREDIT_NOTE"
	ResolutionPriceAdjusted ResolutionType = "PRICE_ADJUSTED"
	ResolutionAccepted      ResolutionType = "ACCEPTED"
	ResolutionReturned      ResolutionType = "RETURNED"
)

// FinancialImpact classifies the money effect of a resolution.
type FinancialImpact string

const (
	ImpactNone   FinancialImpact = "NONE"
	ImpactCredit FinancialImpact = "CREDIT"
	ImpactLoss   FinancialImpact = "LOSS"
)

// PrefixNCR is the document number prefix.
const PrefixNCR = "NCR"

// NCR is a non-conformance record. NCRs are never deleted.
type NCR struct {
	ID              int64            `json:"id"`
	Number          string           `json:"number"`
	Type            Type             `json:"type"`
	Status          Status           `json:"status"`
	DeliveryID      *int64           `json:"delivery_id,omitempty"`
	DeliveryLineID  *int64           `json:"delivery_line_id,omitempty"`
	ItemID          *int64           `json:"item_id,omitempty"`
	LocationID      int64            `json:"location_id"`
	Quantity        decimal.Decimal  `json:"quantity"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	PeriodPrice     *decimal.Decimal `json:"period_price,omitempty"`
	Value           decimal.Decimal  `json:"value"`
	AutoGenerated   bool             `json:"auto_generated"`
	Description     string           `json:"description"`
	ResolutionType  ResolutionType   `json:"resolution_type,omitempty"`
	FinancialImpact FinancialImpact  `json:"financial_impact,omitempty"`
	ResolvedBy      *int64           `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	CreatedBy       int64            `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

var transitions = map[Status][]Status{
	StatusOpen: {StatusSent, StatusResolved},
	StatusSent: {StatusCredited, StatusRejected, StatusResolved},
}

// CanTransition reports whether from -> to is a legal NCR transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VarianceValue is |variance| x quantity rounded to two places.
func VarianceValue(variance, quantity decimal.Decimal) decimal.Decimal {
	return variance.Abs().Mul(quantity).Round(2)
}

func (r ResolutionType) valid() bool {
	switch r {
	case ResolutionCreditNote, ResolutionPriceAdjusted, ResolutionAccepted, ResolutionReturned:
		return true
	}
	return false
}

func (f FinancialImpact) valid() bool {
	switch f {
	case ImpactNone, ImpactCredit, ImpactLoss:
		return true
	}
	return false
}
