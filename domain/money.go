package domain

import "github.com/shopspring/decimal"

// CurrencyScale is the number of fractional digits every stored amount is rounded to.
const CurrencyScale = 2

// Round2 rounds an amount to currency scale using banker's rounding, matching the backend
// pricing engine.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(CurrencyScale)
}

// HasCurrencyScale reports whether d carries no more fractional digits than CurrencyScale.
func HasCurrencyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(CurrencyScale))
}

func SumAmounts(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
