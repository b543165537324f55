package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/journal"
	"github.com/fjod/go_pos/internal/terminal"
	"github.com/fjod/go_pos/pkg/logger"
)

// startLeg charges the leg the backend is waiting for, once per reference.
func (o *Orchestrator) startLeg(f *flow, p *domain.PaymentIntent) {
	leg := p.CurrentTerminalLeg()
	if leg == nil || f.handled[leg.ReferenceID] {
		return
	}
	f.handled[leg.ReferenceID] = true

	intent, l := p.Clone(), *leg
	o.legs.Add(1)
	go func() {
		defer o.legs.Done()
		res := o.handleAwaitingTerminal(f, intent, l)
		select {
		case f.results <- res:
		default:
		}
	}()
}

// handleAwaitingTerminal runs the sale for one card leg and reports the outcome. The sale
// itself is not cut short by a cancel: its result still goes to the backend, which discards
// it when the intent is no longer waiting.
func (o *Orchestrator) handleAwaitingTerminal(f *flow, p *domain.PaymentIntent, leg domain.Leg) legResult {
	log := o.log.With("intent_id", p.ID, "reference_id", leg.ReferenceID)

	amount := leg.Amount
	if p.TerminalAmount != nil {
		amount = *p.TerminalAmount
	}
	card := 1
	if p.CurrentCardNumber != nil {
		card = *p.CurrentCardNumber
	}

	if card >= 2 && o.cfg.SettleDelay > 0 {
		o.show(f, State{Phase: PhaseProcessing, IntentID: p.ID, Message: fmt.Sprintf("Card %d approved, preparing card %d", card-1, card), Amount: &amount}, false)
		if err := sleepCtx(f.ctx, o.cfg.SettleDelay); err != nil {
			return legResult{}
		}
		o.show(f, State{Phase: PhaseProcessing, IntentID: p.ID, Message: presentCardMessage(p), Amount: &amount}, false)
	}

	registerID := p.RegisterID
	if registerID == "" {
		registerID = o.cfg.Session.RegisterID
	}
	term, err := o.terminals.Resolve(f.ctx, registerID)
	if err != nil && f.ctx.Err() != nil {
		return legResult{}
	}

	var res *terminal.Result
	if err == nil {
		saleCtx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), o.cfg.CardTimeout)
		res, err = terminal.Retry(saleCtx, o.cfg.Retry, func(ctx context.Context) (*terminal.Result, error) {
			return term.Sale(ctx, terminal.SaleRequest{
				Amount:      amount,
				Currency:    p.Currency,
				ReferenceID: leg.ReferenceID,
			})
		}, func(retry int, err error) {
			log.Warn("terminal call failed, retrying", "retry", retry, "error", err)
			o.show(f, State{
				Phase:    PhaseProcessing,
				IntentID: p.ID,
				Message:  fmt.Sprintf("Terminal busy, retrying (%d/%d)", retry, o.cfg.Retry.MaxRetries),
				Amount:   &amount,
			}, false)
		})
		cancel()
	}

	out := &journal.Outcome{
		IntentID:    p.ID,
		ReferenceID: leg.ReferenceID,
		CardNumber:  p.CurrentCardNumber,
		Amount:      amount,
	}
	var legErr *PaymentError
	if err == nil {
		out.Approved = true
		out.AuthCode, out.CardType, out.Last4 = res.AuthCode, res.CardType, res.Last4
		log.Info("terminal approved", "card", card, "card_type", res.CardType)
	} else {
		legErr = terminalError(p, err)
		out.ErrorMessage = legErr.Message
		f.setLegErr(legErr)
		log.Warn("terminal did not approve", "card", card, "kind", legErr.Kind, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), reportTimeout)
	defer cancel()
	updated, rerr := o.reportOutcome(ctx, out, log)
	if rerr != nil && !IsStaleReport(rerr) {
		return legResult{err: newPaymentError(KindNetwork, p.ID, "Could not deliver the terminal result, it will be sent again", rerr)}
	}
	return legResult{intent: updated}
}

// reportOutcome journals out, then sends it with bounded retries. The journal entry is closed
// once the backend answered, stale rejections included.
func (o *Orchestrator) reportOutcome(ctx context.Context, out *journal.Outcome, log *logger.Logger) (*domain.PaymentIntent, error) {
	if o.journal != nil {
		if err := o.journal.Record(ctx, out); err != nil {
			log.Error("failed to journal terminal outcome", "error", err)
		}
	}

	var (
		p   *domain.PaymentIntent
		err error
	)
	for attempt := 0; ; attempt++ {
		p, err = o.api.ReportTerminalResult(ctx, out.Report())
		if err == nil || !retryableReport(err) || attempt >= o.cfg.Retry.MaxRetries {
			break
		}
		log.Warn("terminal result not delivered, retrying", "attempt", attempt+1, "error", err)
		if serr := sleepCtx(ctx, o.cfg.Retry.Delay(attempt+1)); serr != nil {
			break
		}
	}

	switch {
	case err == nil:
		o.markReported(ctx, out.ReferenceID, nil, log)
	case IsStaleReport(err):
		log.Info("terminal result discarded by backend", "error", err)
		o.markReported(ctx, out.ReferenceID, err, log)
	}
	return p, err
}

func (o *Orchestrator) markReported(ctx context.Context, ref string, reportErr error, log *logger.Logger) {
	if o.journal == nil {
		return
	}
	if err := o.journal.MarkReported(ctx, ref, reportErr); err != nil {
		log.Error("failed to close journal entry", "error", err)
	}
}

// ReplayPending re-sends terminal outcomes the backend never acknowledged, oldest first.
func (o *Orchestrator) ReplayPending(ctx context.Context) error {
	if o.journal == nil {
		return nil
	}
	pending, err := o.journal.Pending(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, out := range pending {
		log := o.log.With("intent_id", out.IntentID, "reference_id", out.ReferenceID)
		if _, err := o.reportOutcome(ctx, out, log); err != nil && !IsStaleReport(err) {
			errs = append(errs, fmt.Errorf("replay %s: %w", out.ReferenceID, err))
			continue
		}
		log.Info("replayed terminal outcome", "approved", out.Approved)
	}
	return errors.Join(errs...)
}

// terminalError maps a failed sale onto a payment error with a message fit for the intent
// record and the register.
func terminalError(p *domain.PaymentIntent, err error) *PaymentError {
	var decline *terminal.DeclineError
	switch {
	case errors.As(err, &decline):
		return newPaymentError(KindTerminalDeclined, p.ID, "Card declined: "+decline.Reason, err)
	case errors.Is(err, terminal.ErrDeclined):
		return newPaymentError(KindTerminalDeclined, p.ID, "Card declined", err)
	case errors.Is(err, terminal.ErrInvalidConfig):
		return newPaymentError(KindConfiguration, p.ID, "Card terminal is not configured for this register", err)
	case errors.Is(err, terminal.ErrBusy):
		return newPaymentError(KindTerminalTransient, p.ID, "Card terminal is busy", err)
	}
	return newPaymentError(KindTerminalTransient, p.ID, "Card terminal did not respond", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
