package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionContext identifies where a payment is taken. It is flattened into the intent row.
type SessionContext struct {
	StoreID    string `json:"store_id"`
	LocationID string `json:"location_id"`
	RegisterID string `json:"register_id"`
	OperatorID string `json:"operator_id"`
}

// LineItem is an order line with pricing already calculated by the backend.
type LineItem struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Leg is one tender of a payment: a cash amount, an invoice, or a single card authorization.
type Leg struct {
	Number       int             `json:"number"`
	Kind         LegKind         `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Status       LegStatus       `json:"status"`
	CardNumber   *int            `json:"card_number,omitempty"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	AuthCode     string          `json:"auth_code,omitempty"`
	CardType     string          `json:"card_type,omitempty"`
	Last4        string          `json:"last4,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// PaymentIntent is the server-owned record of one payment attempt. JSON tags match the
// payment_intents columns so realtime row payloads decode straight into it.
type PaymentIntent struct {
	ID             uuid.UUID     `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Method         PaymentMethod `json:"method"`
	Status         IntentStatus  `json:"status"`
	StatusMessage  string        `json:"status_message"`
	ErrorMessage   *string       `json:"error_message"`

	SessionContext
	CustomerID *string `json:"customer_id"`
	CartID     *string `json:"cart_id"`

	Currency        string           `json:"currency"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	Tax             decimal.Decimal  `json:"tax"`
	Discount        decimal.Decimal  `json:"discount"`
	LoyaltyDiscount decimal.Decimal  `json:"loyalty_discount"`
	Total           decimal.Decimal  `json:"total"`
	AmountDue       decimal.Decimal  `json:"amount_due"`
	CashTendered    *decimal.Decimal `json:"cash_tendered"`
	ChangeDue       *decimal.Decimal `json:"change_due"`

	TerminalAmount    *decimal.Decimal `json:"terminal_amount"`
	CurrentCardNumber *int             `json:"current_card_number"`
	TerminalReference *string          `json:"terminal_reference"`
	AuthCode          *string          `json:"auth_code"`
	CardType          *string          `json:"card_type"`
	CardLast4         *string          `json:"card_last4"`

	OrderID     *uuid.UUID `json:"order_id"`
	OrderNumber *string    `json:"order_number"`

	InvoiceEmail   *string `json:"invoice_email"`
	InvoiceDueDate *string `json:"invoice_due_date"`
	InvoiceNotes   *string `json:"invoice_notes"`

	Legs  []Leg      `json:"legs"`
	Items []LineItem `json:"items"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextPendingLeg returns the first leg that still needs an outcome, or nil.
func (p *PaymentIntent) NextPendingLeg() *Leg {
	for i := range p.Legs {
		if p.Legs[i].Status == LegStatusPending {
			return &p.Legs[i]
		}
	}
	return nil
}

// CurrentTerminalLeg returns the card leg the terminal is currently expected to charge.
func (p *PaymentIntent) CurrentTerminalLeg() *Leg {
	if p.Status != IntentStatusAwaitingTerminal || p.TerminalReference == nil {
		return nil
	}
	for i := range p.Legs {
		l := &p.Legs[i]
		if l.Kind == LegKindCard && l.Status == LegStatusPending && l.ReferenceID == *p.TerminalReference {
			return l
		}
	}
	return nil
}

func (p *PaymentIntent) ApprovedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Legs {
		if l.Status == LegStatusApproved {
			total = total.Add(l.Amount)
		}
	}
	return total
}

// Clone returns a deep copy so stored records are never aliased by callers.
func (p *PaymentIntent) Clone() *PaymentIntent {
	if p == nil {
		return nil
	}
	c := *p
	c.Legs = make([]Leg, len(p.Legs))
	for i, l := range p.Legs {
		c.Legs[i] = l
		if l.CardNumber != nil {
			n := *l.CardNumber
			c.Legs[i].CardNumber = &n
		}
		if l.ResolvedAt != nil {
			t := *l.ResolvedAt
			c.Legs[i].ResolvedAt = &t
		}
	}
	c.Items = append([]LineItem(nil), p.Items...)
	return &c
}

// IsNewer reports whether incoming is strictly more advanced than current. Realtime delivery
// is at-least-once and may reorder, so renderers only accept newer states.
func IsNewer(current, incoming *PaymentIntent) bool {
	if incoming == nil {
		return false
	}
	if current == nil {
		return true
	}
	if current.ID != incoming.ID || current.Status.IsTerminal() {
		return false
	}
	if current.Version != 0 && incoming.Version != 0 {
		return incoming.Version > current.Version
	}
	if r1, r2 := current.Status.rank(), incoming.Status.rank(); r1 != r2 {
		return r2 > r1
	}
	return cardNumber(incoming) > cardNumber(current)
}

func cardNumber(p *PaymentIntent) int {
	if p.CurrentCardNumber == nil {
		return 0
	}
	return *p.CurrentCardNumber
}
