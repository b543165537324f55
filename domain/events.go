package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentCompletedEvent is the outbox payload written when an intent settles into an order.
type PaymentCompletedEvent struct {
	IntentID    uuid.UUID       `json:"intent_id"`
	OrderID     uuid.UUID       `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Method      PaymentMethod   `json:"method"`
	StoreID     string          `json:"store_id"`
	LocationID  string          `json:"location_id"`
	RegisterID  string          `json:"register_id"`
	CustomerID  *string         `json:"customer_id,omitempty"`
	CartID      *string         `json:"cart_id,omitempty"`
	Currency    string          `json:"currency"`
	AmountDue   decimal.Decimal `json:"amount_due"`
	Items       []LineItem      `json:"items"`
	CompletedAt time.Time       `json:"completed_at"`
}

func NewPaymentCompletedEvent(p *PaymentIntent, o *Order) PaymentCompletedEvent {
	return PaymentCompletedEvent{
		IntentID:    p.ID,
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Method:      p.Method,
		StoreID:     p.StoreID,
		LocationID:  p.LocationID,
		RegisterID:  p.RegisterID,
		CustomerID:  p.CustomerID,
		CartID:      p.CartID,
		Currency:    p.Currency,
		AmountDue:   p.AmountDue,
		Items:       o.Items,
		CompletedAt: o.CreatedAt,
	}
}
