package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusVoided    OrderStatus = "voided"
)

type PaymentStatus string

const (
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusInvoiced PaymentStatus = "invoiced"
)

const OrderChannelPOS = "pos"

type Order struct {
	ID            uuid.UUID       `json:"id"`
	OrderNumber   string          `json:"order_number"`
	IntentID      uuid.UUID       `json:"intent_id"`
	Channel       string          `json:"channel"`
	StoreID       string          `json:"store_id"`
	LocationID    string          `json:"location_id"`
	RegisterID    string          `json:"register_id"`
	CustomerID    *string         `json:"customer_id,omitempty"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	Currency      string          `json:"currency"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	Items         []LineItem      `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewOrderFromIntent builds the order settled by a completed intent.
func NewOrderFromIntent(p *PaymentIntent, number string, now time.Time) *Order {
	paymentStatus := PaymentStatusPaid
	if p.Method == PaymentMethodInvoice {
		paymentStatus = PaymentStatusInvoiced
	}
	return &Order{
		ID:            uuid.New(),
		OrderNumber:   number,
		IntentID:      p.ID,
		Channel:       OrderChannelPOS,
		StoreID:       p.StoreID,
		LocationID:    p.LocationID,
		RegisterID:    p.RegisterID,
		CustomerID:    p.CustomerID,
		Status:        OrderStatusCompleted,
		PaymentStatus: paymentStatus,
		Currency:      p.Currency,
		Subtotal:      p.Subtotal,
		Tax:           p.Tax,
		Discount:      p.Discount.Add(p.LoyaltyDiscount),
		Total:         p.AmountDue,
		Items:         append([]LineItem(nil), p.Items...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
