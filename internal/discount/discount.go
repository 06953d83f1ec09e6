// Package discount selects and values named discounts against purchase
// amounts.
package discount

import (
	"time"

	"littlebee/backend/internal/domain"
	"littlebee/backend/internal/pricing"
)

// Savings computes the dollar savings d yields on amount. Percentage
// discounts are rounded to cents; fixed discounts never exceed the amount.
func Savings(d domain.Discount, amount float64) float64 {
	switch d.Type {
	case domain.DiscountPercentage:
		return pricing.Round2(amount * d.Value / 100)
	case domain.DiscountFixedAmount:
		if d.Value > amount {
			return amount
		}
		return d.Value
	}
	return 0
}

// BestFor picks the applicable discount with the strictly greatest savings on
// amount. Ties keep the first candidate found. Returns nil when none apply or
// when no applicable candidate saves more than zero.
func BestFor(candidates []domain.Discount, amount float64, now time.Time) *domain.Discount {
	var best *domain.Discount
	bestSavings := 0.0
	for i := range candidates {
		d := candidates[i]
		if !d.ApplicableTo(amount, now) {
			continue
		}
		if s := Savings(d, amount); s > bestSavings {
			best = &candidates[i]
			bestSavings = s
		}
	}
	return best
}
