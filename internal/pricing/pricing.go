// Package pricing computes sale totals. All amounts are dollars rounded to
// two decimal places; callers compare within a 0.01 tolerance.
package pricing

import "math"

// DefaultTaxRate applies when a sale carries no explicit tax amount.
const DefaultTaxRate = 0.08

// Round2 rounds v to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TierDiscount is the fallback discount schedule used when a sale has no
// explicit discount: nothing under $50, 5% from $50, 10% from $100.
func TierDiscount(subtotal float64) float64 {
	switch {
	case subtotal >= 100:
		return Round2(subtotal * 0.10)
	case subtotal >= 50:
		return Round2(subtotal * 0.05)
	default:
		return 0
	}
}

// Totals is the derived money summary of a sale.
type Totals struct {
	Subtotal float64
	Discount float64
	Tax      float64
	Total    float64
}

// Compute derives sale totals from line totals. explicitDiscount and
// explicitTax override the fallback schedule only when present and positive;
// zero or missing values fall back to the tier discount and the default tax
// rate on the discounted base.
func Compute(lineTotals []float64, explicitDiscount, explicitTax *float64) Totals {
	subtotal := 0.0
	for _, lt := range lineTotals {
		subtotal += lt
	}
	subtotal = Round2(subtotal)

	discount := TierDiscount(subtotal)
	if explicitDiscount != nil && *explicitDiscount > 0 {
		discount = Round2(*explicitDiscount)
	}

	tax := Round2((subtotal - discount) * DefaultTaxRate)
	if explicitTax != nil && *explicitTax > 0 {
		tax = Round2(*explicitTax)
	}

	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Total:    Round2(subtotal + tax - discount),
	}
}

// LineTotal is the value of a sale line after its per-line discount.
func LineTotal(qty int, unitPrice, discountAmount float64) float64 {
	return Round2(float64(qty)*unitPrice - discountAmount)
}

// WithinTolerance reports whether two amounts agree to the cent.
func WithinTolerance(a, b float64) bool {
	return math.Abs(a-b) <= 0.01
}
