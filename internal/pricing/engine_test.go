package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func cartOf(n int, price Money) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{ItemID: string(rune('a' + i)), UnitPrice: price}
	}
	return items
}

func TestSelectFormulaByCount(t *testing.T) {
	_, ok := SelectFormula(0)
	require.False(t, ok)
	for n := 1; n <= 12; n++ {
		f, ok := SelectFormula(n)
		require.True(t, ok)
		switch {
		case n == 3:
			require.Equal(t, Advantage, f.ID, "count %d", n)
		case n >= 5:
			require.Equal(t, Excellence, f.ID, "count %d", n)
		default:
			require.Equal(t, Essential, f.ID, "count %d", n)
		}
	}
}

func TestEssentialTotal(t *testing.T) {
	f, _ := SelectFormula(1)
	for _, n := range []int{1, 2, 4} {
		require.Equal(t, Money(14_900)+Money(n-1)*7_900, f.Total(n))
	}
	// four items do not get a bulk rate
	out := Compute(cartOf(4, 20_000), false, nil)
	require.Equal(t, Essential, out.FormulaID)
	require.Equal(t, Money(38_600), out.DiscountedTotal)
}

func TestComputeEmptyCart(t *testing.T) {
	out := Compute(nil, false, &Promo{DiscountPercentage: 50})
	require.Equal(t, Breakdown{}, out)
}

func TestComputeScenarios(t *testing.T) {
	a := Compute(cartOf(1, 10_000), false, nil)
	require.Equal(t, Essential, a.FormulaID)
	require.Equal(t, Money(10_000), a.RegularTotal)
	require.Equal(t, Money(14_900), a.DiscountedTotal)
	require.Equal(t, Money(14_900), a.FinalTotal)

	b := Compute(cartOf(3, 15_000), false, nil)
	require.Equal(t, Advantage, b.FormulaID)
	require.Equal(t, Money(24_900), b.FinalTotal)

	c := Compute(cartOf(5, 15_000), false, &Promo{CodeID: "p1", DiscountPercentage: 10})
	require.Equal(t, Excellence, c.FormulaID)
	require.Equal(t, Money(39_500), c.DiscountedTotal)
	require.Equal(t, Money(3_950), c.PromoDiscount)
	require.Equal(t, Money(35_550), c.FinalTotal)
}

func TestComputeFixedPriceMode(t *testing.T) {
	out := Compute(cartOf(3, 15_000), true, nil)
	require.True(t, out.FixedPriceMode)
	require.Empty(t, out.FormulaID)
	require.Equal(t, Money(3*FixedUnitPrice), out.DiscountedTotal)
	require.Equal(t, Money(45_000), out.RegularTotal)
}

func TestPromoRoundingHalfUp(t *testing.T) {
	// 14 900 * 15% = 2 235
	require.Equal(t, Money(2_235), PercentOf(14_900, 15))
	// 7 900 * 33% = 2 607
	require.Equal(t, Money(2_607), PercentOf(7_900, 33))
	// 24 900 * 7% = 1 743
	require.Equal(t, Money(1_743), PercentOf(24_900, 7))
	// 5 * 10% = 0.5 rounds up
	require.Equal(t, Money(1), PercentOf(5, 10))
	require.Equal(t, Money(0), PercentOf(5, 9))
}

func TestPromoPercentageBounds(t *testing.T) {
	for pct := 0; pct <= 100; pct++ {
		out := Compute(cartOf(2, 9_000), false, &Promo{DiscountPercentage: pct})
		require.Equal(t, out.DiscountedTotal-PercentOf(out.DiscountedTotal, pct), out.FinalTotal)
		require.GreaterOrEqual(t, out.FinalTotal, Money(0))
	}
	full := Compute(cartOf(2, 9_000), false, &Promo{DiscountPercentage: 150})
	require.Equal(t, 100, full.PromoPercentage)
	require.Equal(t, Money(0), full.FinalTotal)
	neg := Compute(cartOf(2, 9_000), false, &Promo{DiscountPercentage: -5})
	require.Equal(t, neg.DiscountedTotal, neg.FinalTotal)
}
