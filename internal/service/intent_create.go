package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/carts"
	r "github.com/fjod/go_pos/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// Create validates the request and persists a validating intent, then advances it in the
// background. A known idempotency key returns the existing intent instead.
func (m *Machine) Create(ctx context.Context, req *domain.CreateIntentRequest) (resp *domain.CreateIntentResponse, err error) {
	ctx, span := m.startSpan(ctx, "Machine.Create", uuid.Nil)
	defer func() { endSpan(span, err) }()

	if m.isClosed() {
		return nil, ErrMachineClosed
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}

	existing, err := m.repo.GetIntentByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil && !errors.Is(err, r.ErrIdempotencyKeyNotFound) {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		m.log.InfoContext(ctx, "duplicate payment request",
			"idempotency_key", req.IdempotencyKey,
			"intent_id", existing.ID,
			"status", existing.Status,
		)
		return idempotentResponse(existing), nil
	}

	p, err := m.buildIntent(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := m.repo.CreateIntent(ctx, p); err != nil {
		if errors.Is(err, r.ErrDuplicateIdempotencyKey) {
			// lost a race with a concurrent retry of the same request
			existing, getErr := m.repo.GetIntentByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load concurrent intent: %w", getErr)
			}
			return idempotentResponse(existing), nil
		}
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	m.log.InfoContext(ctx, "intent created",
		"intent_id", p.ID,
		"method", p.Method,
		"amount_due", p.AmountDue.StringFixed(domain.CurrencyScale),
		"register_id", p.RegisterID,
	)

	id := p.ID
	if err := m.goAsync(func(ctx context.Context) { m.advance(ctx, id) }); err != nil {
		return nil, err
	}

	return &domain.CreateIntentResponse{IntentID: p.ID, Status: p.Status}, nil
}

func idempotentResponse(p *domain.PaymentIntent) *domain.CreateIntentResponse {
	return &domain.CreateIntentResponse{
		IntentID:    p.ID,
		Status:      p.Status,
		OrderID:     p.OrderID,
		OrderNumber: p.OrderNumber,
		Idempotent:  true,
	}
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// buildIntent turns a request into a validating intent with one leg per tender.
func (m *Machine) buildIntent(ctx context.Context, req *domain.CreateIntentRequest) (*domain.PaymentIntent, error) {
	if !req.Method.IsValid() {
		return nil, validationErr("unknown payment method %q", req.Method)
	}
	if req.LocationID == "" || req.RegisterID == "" {
		return nil, validationErr("location and register are required")
	}

	p := &domain.PaymentIntent{
		ID:              uuid.New(),
		IdempotencyKey:  req.IdempotencyKey,
		Method:          req.Method,
		Status:          domain.IntentStatusValidating,
		StatusMessage:   "Validating payment",
		SessionContext:  req.SessionContext,
		CustomerID:      req.CustomerID,
		CartID:          req.CartID,
		Currency:        req.Currency,
		Subtotal:        req.Subtotal,
		Tax:             req.Tax,
		Discount:        req.Discount,
		LoyaltyDiscount: req.LoyaltyDiscount,
		Total:           req.Total,
		Items:           req.Items,
	}
	if p.Currency == "" {
		p.Currency = m.cfg.DefaultCurrency
	}

	if len(p.Items) == 0 {
		if req.CartID == nil || *req.CartID == "" {
			return nil, validationErr("payment has no items")
		}
		if err := m.applyCart(ctx, p, *req.CartID); err != nil {
			return nil, err
		}
	}

	if err := validateTotals(p); err != nil {
		return nil, err
	}
	p.AmountDue = p.Total.Sub(p.LoyaltyDiscount)
	if !p.AmountDue.IsPositive() {
		return nil, validationErr("amount due must be positive, got %s", p.AmountDue.StringFixed(domain.CurrencyScale))
	}

	if err := buildLegs(p, req); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Machine) applyCart(ctx context.Context, p *domain.PaymentIntent, cartID string) error {
	if m.carts == nil {
		return validationErr("payment has no items")
	}
	cart, err := m.carts.GetCart(ctx, cartID)
	if errors.Is(err, carts.ErrCartNotFound) {
		return validationErr("cart %s not found", cartID)
	}
	if err != nil {
		return fmt.Errorf("failed to load cart %s: %w", cartID, err)
	}
	if cart.IsEmpty() {
		return validationErr("cart %s is empty", cartID)
	}
	// server cart totals win over whatever the device computed
	p.Items = cart.Items
	p.Subtotal = cart.Subtotal
	p.Tax = cart.Tax
	p.Discount = cart.Discount
	p.Total = cart.Total
	if p.CustomerID == nil {
		p.CustomerID = cart.CustomerID
	}
	return nil
}

func validateTotals(p *domain.PaymentIntent) error {
	amounts := map[string]decimal.Decimal{
		"subtotal":         p.Subtotal,
		"tax":              p.Tax,
		"discount":         p.Discount,
		"loyalty_discount": p.LoyaltyDiscount,
		"total":            p.Total,
	}
	for name, a := range amounts {
		if a.IsNegative() {
			return validationErr("%s must not be negative", name)
		}
		if !domain.HasCurrencyScale(a) {
			return validationErr("%s has more than %d decimal places", name, domain.CurrencyScale)
		}
	}
	want := p.Subtotal.Add(p.Tax).Sub(p.Discount)
	if !want.Equal(p.Total) {
		return validationErr("total %s does not match subtotal + tax - discount = %s",
			p.Total.StringFixed(domain.CurrencyScale), want.StringFixed(domain.CurrencyScale))
	}
	if p.LoyaltyDiscount.GreaterThan(p.Total) {
		return validationErr("loyalty discount exceeds total")
	}
	for i, it := range p.Items {
		if it.Quantity <= 0 {
			return validationErr("item %d has non-positive quantity", i+1)
		}
	}
	return nil
}

func buildLegs(p *domain.PaymentIntent, req *domain.CreateIntentRequest) error {
	due := p.AmountDue

	switch p.Method {
	case domain.PaymentMethodCash:
		tendered := due
		if req.CashTendered != nil {
			tendered = *req.CashTendered
		}
		if err := checkAmount("cash tendered", tendered); err != nil {
			return err
		}
		if tendered.LessThan(due) {
			return validationErr("cash tendered %s is less than amount due %s",
				tendered.StringFixed(domain.CurrencyScale), due.StringFixed(domain.CurrencyScale))
		}
		change := tendered.Sub(due)
		p.CashTendered = &tendered
		p.ChangeDue = &change
		p.Legs = []domain.Leg{newLeg(1, domain.LegKindCash, due, nil)}

	case domain.PaymentMethodCard:
		p.Legs = []domain.Leg{newLeg(1, domain.LegKindCard, due, nil)}

	case domain.PaymentMethodSplit:
		if req.SplitCashAmount == nil || req.SplitCardAmount == nil {
			return validationErr("split payment needs cash and card amounts")
		}
		cash, card := *req.SplitCashAmount, *req.SplitCardAmount
		if err := checkSubAmounts(due, cash, card); err != nil {
			return err
		}
		tendered := cash
		if req.CashTendered != nil {
			tendered = *req.CashTendered
			if err := checkAmount("cash tendered", tendered); err != nil {
				return err
			}
			if tendered.LessThan(cash) {
				return validationErr("cash tendered is less than the cash portion")
			}
		}
		change := tendered.Sub(cash)
		p.CashTendered = &tendered
		p.ChangeDue = &change
		p.Legs = []domain.Leg{
			newLeg(1, domain.LegKindCash, cash, nil),
			newLeg(2, domain.LegKindCard, card, nil),
		}

	case domain.PaymentMethodMultiCard:
		card1, card2, err := multiCardAmounts(due, req)
		if err != nil {
			return err
		}
		if err := checkSubAmounts(due, card1, card2); err != nil {
			return err
		}
		one, two := 1, 2
		p.Legs = []domain.Leg{
			newLeg(1, domain.LegKindCard, card1, &one),
			newLeg(2, domain.LegKindCard, card2, &two),
		}

	case domain.PaymentMethodInvoice:
		email := strings.TrimSpace(req.InvoiceEmail)
		if email == "" {
			return validationErr("invoice email is required")
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return validationErr("invoice email %q is invalid", email)
		}
		p.InvoiceEmail = &email
		if req.InvoiceDueDate != "" {
			if _, err := time.Parse(time.DateOnly, req.InvoiceDueDate); err != nil {
				return validationErr("invoice due date must be YYYY-MM-DD")
			}
			d := req.InvoiceDueDate
			p.InvoiceDueDate = &d
		}
		if req.InvoiceNotes != "" {
			n := req.InvoiceNotes
			p.InvoiceNotes = &n
		}
		p.Legs = []domain.Leg{newLeg(1, domain.LegKindInvoice, due, nil)}
	}
	return nil
}

func multiCardAmounts(due decimal.Decimal, req *domain.CreateIntentRequest) (decimal.Decimal, decimal.Decimal, error) {
	if req.Card1Amount != nil && req.Card2Amount != nil {
		return *req.Card1Amount, *req.Card2Amount, nil
	}
	if req.Card1Percent != nil {
		pct := *req.Card1Percent
		if !pct.IsPositive() || !pct.LessThan(hundred) {
			return decimal.Zero, decimal.Zero, validationErr("card 1 percentage must be between 0 and 100")
		}
		card1 := domain.Round2(due.Mul(pct).Div(hundred))
		return card1, due.Sub(card1), nil
	}
	return decimal.Zero, decimal.Zero, validationErr("multi-card payment needs both card amounts")
}

// checkSubAmounts enforces that each part is a positive currency amount and the parts add up
// to the amount due exactly.
func checkSubAmounts(due, a, b decimal.Decimal) error {
	for _, v := range []decimal.Decimal{a, b} {
		if err := checkAmount("amount", v); err != nil {
			return err
		}
		if !v.IsPositive() {
			return validationErr("each payment part must be positive")
		}
	}
	if sum := a.Add(b); !sum.Equal(due) {
		return validationErr("payment parts sum to %s but amount due is %s",
			sum.StringFixed(domain.CurrencyScale), due.StringFixed(domain.CurrencyScale))
	}
	return nil
}

func checkAmount(name string, v decimal.Decimal) error {
	if v.IsNegative() {
		return validationErr("%s must not be negative", name)
	}
	if !domain.HasCurrencyScale(v) {
		return validationErr("%s has more than %d decimal places", name, domain.CurrencyScale)
	}
	return nil
}

func newLeg(n int, kind domain.LegKind, amount decimal.Decimal, cardNumber *int) domain.Leg {
	return domain.Leg{
		Number:     n,
		Kind:       kind,
		Amount:     amount,
		Status:     domain.LegStatusPending,
		CardNumber: cardNumber,
	}
}
