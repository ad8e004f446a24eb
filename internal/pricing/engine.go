package pricing

import "github.com/shopspring/decimal"

// Money represents a monetary value stored in minor units (XAF has no subunit).
type Money = int64

// FixedUnitPrice is charged per item for buyers who already hold an enrollment.
const FixedUnitPrice Money = 7_900

// Item describes a cart line used for pricing calculation.
type Item struct {
	ItemID    string `json:"itemId" validate:"required,max=128"`
	UnitPrice Money  `json:"unitPrice" validate:"gte=0"`
}

// Promo carries the discount of a verified promo code.
type Promo struct {
	CodeID             string
	DiscountPercentage int
}

// Breakdown aggregates computed pricing components. It is derived, never stored.
type Breakdown struct {
	ItemCount       int       `json:"itemCount"`
	FormulaID       FormulaID `json:"formulaId,omitempty"`
	FixedPriceMode  bool      `json:"fixedPriceMode"`
	RegularTotal    Money     `json:"regularTotal"`
	DiscountedTotal Money     `json:"discountedTotal"`
	PromoPercentage int       `json:"promoPercentage"`
	PromoDiscount   Money     `json:"promoDiscount"`
	FinalTotal      Money     `json:"finalTotal"`
}

// Compute calculates the payable total for the cart. Fixed-price mode
// overrides the formulas; the promo discount is applied last on the
// discounted total.
func Compute(items []Item, fixedPriceMode bool, promo *Promo) Breakdown {
	count := len(items)
	if count == 0 {
		return Breakdown{FixedPriceMode: fixedPriceMode}
	}
	var regular Money
	for _, it := range items {
		regular += it.UnitPrice
	}
	out := Breakdown{
		ItemCount:      count,
		FixedPriceMode: fixedPriceMode,
		RegularTotal:   regular,
	}
	if fixedPriceMode {
		out.DiscountedTotal = Money(count) * FixedUnitPrice
	} else {
		f, _ := SelectFormula(count)
		out.FormulaID = f.ID
		out.DiscountedTotal = f.Total(count)
	}
	if promo != nil {
		out.PromoPercentage = clampPercent(promo.DiscountPercentage)
		out.PromoDiscount = PercentOf(out.DiscountedTotal, out.PromoPercentage)
	}
	out.FinalTotal = out.DiscountedTotal - out.PromoDiscount
	if out.FinalTotal < 0 {
		out.FinalTotal = 0
	}
	return out
}

// PercentOf returns amount*pct/100 rounded half-up to a whole currency unit.
func PercentOf(amount Money, pct int) Money {
	if amount <= 0 || pct <= 0 {
		return 0
	}
	v := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return v.IntPart()
}

func clampPercent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
