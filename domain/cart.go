package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart is a server-owned, server-priced selection at one location.
type Cart struct {
	ID           string          `json:"id"`
	LocationID   string          `json:"location_id"`
	CustomerID   *string         `json:"customer_id,omitempty"`
	Items        []LineItem      `json:"items"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	DiscountCode string          `json:"discount_code,omitempty"`
	Discount     decimal.Decimal `json:"discount"`
	Tax          decimal.Decimal `json:"tax"`
	Total        decimal.Decimal `json:"total"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Items) == 0
}

// TerminalConfig is the card terminal bound to a register.
type TerminalConfig struct {
	RegisterID     string `json:"register_id"`
	TerminalID     string `json:"terminal_id"`
	Vendor         string `json:"vendor"`
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	Active         bool   `json:"active"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}
