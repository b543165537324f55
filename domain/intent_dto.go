package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateIntentRequest struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Method         PaymentMethod `json:"method"`
	SessionContext
	CustomerID *string `json:"customer_id,omitempty"`

	// Either CartID or Items. A cart id makes the backend derive items and totals itself.
	CartID *string    `json:"cart_id,omitempty"`
	Items  []LineItem `json:"items,omitempty"`

	Currency        string          `json:"currency,omitempty"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Discount        decimal.Decimal `json:"discount"`
	LoyaltyDiscount decimal.Decimal `json:"loyalty_discount"`
	Total           decimal.Decimal `json:"total"`

	CashTendered *decimal.Decimal `json:"cash_tendered,omitempty"`

	SplitCashAmount *decimal.Decimal `json:"split_cash_amount,omitempty"`
	SplitCardAmount *decimal.Decimal `json:"split_card_amount,omitempty"`

	// Multi-card amounts; Card1Percent may be sent instead, in which case card 2 takes the rest.
	Card1Amount  *decimal.Decimal `json:"card1_amount,omitempty"`
	Card2Amount  *decimal.Decimal `json:"card2_amount,omitempty"`
	Card1Percent *decimal.Decimal `json:"card1_percent,omitempty"`

	InvoiceEmail   string `json:"invoice_email,omitempty"`
	InvoiceDueDate string `json:"invoice_due_date,omitempty"`
	InvoiceNotes   string `json:"invoice_notes,omitempty"`
}

type CreateIntentResponse struct {
	IntentID    uuid.UUID    `json:"intent_id"`
	Status      IntentStatus `json:"status"`
	OrderID     *uuid.UUID   `json:"order_id,omitempty"`
	OrderNumber *string      `json:"order_number,omitempty"`
	Idempotent  bool         `json:"idempotent"`
}

// TerminalReport is the outcome of one terminal call, reported by the device that ran it.
// ReferenceID or CardNumber pin the report to a leg. Without either it applies to the
// awaited leg, and only on intents with a single card leg.
type TerminalReport struct {
	IntentID     uuid.UUID `json:"-"`
	Approved     bool      `json:"approved"`
	AuthCode     string    `json:"auth_code,omitempty"`
	CardType     string    `json:"card_type,omitempty"`
	Last4        string    `json:"last4,omitempty"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	CardNumber   *int      `json:"card_number,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
