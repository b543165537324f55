package carts

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fjod/go_pos/domain"
)

var hundred = decimal.NewFromInt(100)

// Pricing holds the rules the backend prices carts with.
type Pricing struct {
	// TaxRate is a fraction, 0.08 for 8%.
	TaxRate decimal.Decimal
	// DiscountCodes maps an upper-case code to a percentage off the subtotal.
	DiscountCodes map[string]decimal.Decimal
}

func (p Pricing) discountPercent(code string) (decimal.Decimal, bool) {
	pct, ok := p.DiscountCodes[normalizeCode(code)]
	return pct, ok
}

// Reprice recomputes every line and the cart totals. Discount and tax are rounded to cents
// separately, so total = subtotal - discount + tax holds exactly. A code that no longer exists
// is dropped.
func (p Pricing) Reprice(c *domain.Cart) {
	subtotal := decimal.Zero
	for i := range c.Items {
		it := &c.Items[i]
		it.LineTotal = domain.Round2(it.UnitPrice.Mul(decimal.NewFromInt32(it.Quantity))).Sub(it.Discount)
		subtotal = subtotal.Add(it.LineTotal)
	}
	c.Subtotal = subtotal

	c.Discount = decimal.Zero
	if c.DiscountCode != "" {
		if pct, ok := p.discountPercent(c.DiscountCode); ok {
			c.Discount = domain.Round2(subtotal.Mul(pct).Div(hundred))
		} else {
			c.DiscountCode = ""
		}
	}

	c.Tax = domain.Round2(subtotal.Sub(c.Discount).Mul(p.TaxRate))
	c.Total = subtotal.Sub(c.Discount).Add(c.Tax)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
