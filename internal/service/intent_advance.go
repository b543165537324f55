package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/idgen"
	r "github.com/fjod/go_pos/internal/repository"
)

// advance moves a freshly created intent out of validating until it either waits on a
// terminal or completes.
func (m *Machine) advance(ctx context.Context, id uuid.UUID) {
	var err error
	ctx, span := m.startSpan(ctx, "Machine.advance", id)
	defer func() { endSpan(span, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	p, err := m.repo.GetIntent(ctx, id)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to load intent for advance", "intent_id", id, "error", err)
		return
	}
	if p.Status != domain.IntentStatusValidating {
		// cancelled or expired before we got to it
		return
	}

	if err = m.transition(ctx, p, domain.IntentStatusProcessing, "Processing payment"); err != nil {
		m.log.ErrorContext(ctx, "failed to start processing", "intent_id", id, "error", err)
		return
	}

	// tenders that need no device are settled on the spot
	now := m.now()
	for i := range p.Legs {
		l := &p.Legs[i]
		if l.Kind != domain.LegKindCard && l.Status == domain.LegStatusPending {
			l.Status = domain.LegStatusApproved
			l.ResolvedAt = &now
		}
	}

	if err = m.proceed(ctx, p); err != nil {
		m.log.ErrorContext(ctx, "failed to advance intent", "intent_id", id, "status", p.Status, "error", err)
	}
}

// proceed either hands the next pending card leg to the terminal or, when every leg is
// approved, settles the intent.
func (m *Machine) proceed(ctx context.Context, p *domain.PaymentIntent) error {
	if leg := p.NextPendingLeg(); leg != nil {
		if leg.Kind != domain.LegKindCard {
			return fmt.Errorf("leg %d of kind %s cannot be charged on a terminal", leg.Number, leg.Kind)
		}
		return m.awaitTerminal(ctx, p, leg)
	}

	if approved := p.ApprovedAmount(); !approved.Equal(p.AmountDue) {
		return m.fail(ctx, p, fmt.Sprintf("approved amount %s does not match amount due %s",
			approved.StringFixed(domain.CurrencyScale), p.AmountDue.StringFixed(domain.CurrencyScale)))
	}
	if err := m.transition(ctx, p, domain.IntentStatusApproved, "Payment approved"); err != nil {
		return err
	}
	return m.settle(ctx, p)
}

func (m *Machine) awaitTerminal(ctx context.Context, p *domain.PaymentIntent, leg *domain.Leg) error {
	ref := idgen.TerminalReference(p.ID, leg.Number)
	leg.ReferenceID = ref
	amount := leg.Amount
	p.TerminalAmount = &amount
	p.TerminalReference = &ref
	p.CurrentCardNumber = leg.CardNumber

	message := "Present card on terminal"
	if leg.CardNumber != nil {
		message = fmt.Sprintf("Present card %d of %d on terminal", *leg.CardNumber, countCardLegs(p))
	}
	return m.transition(ctx, p, domain.IntentStatusAwaitingTerminal, message)
}

// settle persists saving, then writes the order, the completed intent and the outbox event
// in one step.
func (m *Machine) settle(ctx context.Context, p *domain.PaymentIntent) error {
	if p.Status == domain.IntentStatusApproved {
		if err := m.transition(ctx, p, domain.IntentStatusSaving, "Saving order"); err != nil {
			return err
		}
	}
	if p.Status != domain.IntentStatusSaving {
		return fmt.Errorf("%w: cannot settle from %s", ErrIllegalTransition, p.Status)
	}

	number, err := m.repo.NextOrderNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to allocate order number: %w", err)
	}
	order := domain.NewOrderFromIntent(p, number, m.now())

	payload, err := json.Marshal(domain.NewPaymentCompletedEvent(p, order))
	if err != nil {
		return fmt.Errorf("failed to marshal payment completed payload: %w", err)
	}
	event := &r.OutboxEvent{
		AggregateID: p.ID.String(),
		EventType:   r.EventTypePaymentCompleted,
		Payload:     payload,
	}

	done := p.Clone()
	done.Status = domain.IntentStatusCompleted
	done.StatusMessage = "Payment complete"
	done.OrderID = &order.ID
	done.OrderNumber = &order.OrderNumber
	if err := m.repo.CompleteIntent(ctx, done, p.Version, order, event); err != nil {
		return mapRepoErr(err)
	}
	*p = *done

	m.log.InfoContext(ctx, "intent completed",
		"intent_id", p.ID,
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"version", p.Version,
	)
	return nil
}

// Recover finishes an intent left in saving, e.g. after a crash between the saving update and
// the order write.
func (m *Machine) Recover(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := m.startSpan(ctx, "Machine.Recover", id)
	defer func() { endSpan(span, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	p, err := m.repo.GetIntent(ctx, id)
	if err != nil {
		return mapRepoErr(err)
	}
	if p.Status != domain.IntentStatusSaving {
		return nil
	}
	m.log.WarnContext(ctx, "recovering intent stuck in saving", "intent_id", id)
	return m.settle(ctx, p)
}

func countCardLegs(p *domain.PaymentIntent) int {
	n := 0
	for _, l := range p.Legs {
		if l.Kind == domain.LegKindCard {
			n++
		}
	}
	return n
}
