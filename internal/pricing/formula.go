package pricing

// FormulaID names one of the tiered pricing rules.
type FormulaID string

const (
	Essential  FormulaID = "essential"
	Advantage  FormulaID = "advantage"
	Excellence FormulaID = "excellence"
)

// Formula is a fixed pricing tier selected by cart size.
type Formula struct {
	ID              FormulaID `json:"id"`
	Name            string    `json:"name"`
	BasePrice       Money     `json:"basePrice,omitempty"`
	AdditionalPrice Money     `json:"additionalPrice,omitempty"`
	Price           Money     `json:"price,omitempty"`
}

var (
	essential = Formula{
		ID:              Essential,
		Name:            "Formule Essentielle",
		BasePrice:       14_900,
		AdditionalPrice: 7_900,
	}
	advantage = Formula{
		ID:    Advantage,
		Name:  "Formule Avantage",
		Price: 24_900,
	}
	excellence = Formula{
		ID:    Excellence,
		Name:  "Formule Excellence",
		Price: 39_500,
	}
)

// Formulas lists the available tiers in display order.
func Formulas() []Formula {
	return []Formula{essential, advantage, excellence}
}

// SelectFormula picks the tier applicable to count items. Advantage only
// applies to exactly three items; a four-item cart falls back to essential.
// An empty cart has no formula.
func SelectFormula(count int) (Formula, bool) {
	switch {
	case count <= 0:
		return Formula{}, false
	case count >= 5:
		return excellence, true
	case count == 3:
		return advantage, true
	default:
		return essential, true
	}
}

// Total returns the formula price for count items.
func (f Formula) Total(count int) Money {
	if count <= 0 {
		return 0
	}
	if f.ID == Essential {
		return f.BasePrice + Money(count-1)*f.AdditionalPrice
	}
	return f.Price
}
