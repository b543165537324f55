package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fjod/go_pos/domain"
	r "github.com/fjod/go_pos/internal/repository"
)

const (
	auditLateReport   = "late_terminal_report"
	auditVoidRequired = "void_required"
)

// ReportTerminalResult applies the outcome of a terminal call to the leg it was made for.
// Reports for a leg that is no longer awaited are rejected with ErrStaleReport and leave the
// intent untouched.
func (m *Machine) ReportTerminalResult(ctx context.Context, rep *domain.TerminalReport) (p *domain.PaymentIntent, err error) {
	ctx, span := m.startSpan(ctx, "Machine.ReportTerminalResult", rep.IntentID)
	defer func() { endSpan(span, err) }()

	unlock := m.locks.Lock(rep.IntentID)
	defer unlock()

	p, err = m.repo.GetIntent(ctx, rep.IntentID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	if p.Status == domain.IntentStatusExpired || p.Status == domain.IntentStatusCancelled {
		// the device may have charged the card after we gave up; keep a trail for reconciliation
		m.audit(ctx, p, auditLateReport, rep)
		return p, fmt.Errorf("%w: intent is %s", ErrStaleReport, p.Status)
	}
	if p.Status != domain.IntentStatusAwaitingTerminal {
		return p, fmt.Errorf("%w: intent is %s", ErrStaleReport, p.Status)
	}

	leg := matchLeg(p, rep)
	if leg == nil {
		m.log.WarnContext(ctx, "stale terminal report",
			"intent_id", p.ID,
			"reference_id", rep.ReferenceID,
			"current_reference", deref(p.TerminalReference),
		)
		return p, fmt.Errorf("%w: reference %q is not the awaited leg", ErrStaleReport, rep.ReferenceID)
	}

	now := m.now()
	leg.ResolvedAt = &now

	if !rep.Approved {
		leg.Status = domain.LegStatusDeclined
		reason := rep.ErrorMessage
		if reason == "" {
			reason = "Card declined"
		}
		leg.ErrorMessage = reason
		if countApprovedCardLegs(p) > 0 {
			m.audit(ctx, p, auditVoidRequired, rep)
			reason = fmt.Sprintf("%s (card %d); earlier card approvals must be voided", reason, leg.Number)
		}
		if err := m.fail(ctx, p, reason); err != nil {
			return nil, err
		}
		return p, nil
	}

	leg.Status = domain.LegStatusApproved
	leg.AuthCode = rep.AuthCode
	leg.CardType = rep.CardType
	leg.Last4 = rep.Last4
	p.AuthCode = strPtr(rep.AuthCode)
	p.CardType = strPtr(rep.CardType)
	p.CardLast4 = strPtr(rep.Last4)

	if err := m.proceed(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// matchLeg finds the awaited leg the report refers to: by reference id, else by card number.
// An unpinned report only applies when the intent has a single card leg, otherwise a
// replayed card 1 approval would settle card 2.
func matchLeg(p *domain.PaymentIntent, rep *domain.TerminalReport) *domain.Leg {
	current := p.CurrentTerminalLeg()
	if current == nil {
		return nil
	}
	switch {
	case rep.ReferenceID != "":
		if rep.ReferenceID != current.ReferenceID {
			return nil
		}
	case rep.CardNumber != nil:
		n := 1
		if current.CardNumber != nil {
			n = *current.CardNumber
		}
		if *rep.CardNumber != n {
			return nil
		}
	default:
		if countCardLegs(p) > 1 {
			return nil
		}
	}
	return current
}

func (m *Machine) audit(ctx context.Context, p *domain.PaymentIntent, kind string, rep *domain.TerminalReport) {
	detail, err := json.Marshal(rep)
	if err != nil {
		m.log.ErrorContext(ctx, "failed to marshal audit detail", "intent_id", p.ID, "error", err)
		return
	}
	entry := &r.AuditEntry{IntentID: p.ID, Kind: kind, Detail: detail}
	if err := m.repo.RecordAudit(ctx, entry); err != nil {
		m.log.ErrorContext(ctx, "failed to record intent audit", "intent_id", p.ID, "kind", kind, "error", err)
		return
	}
	m.log.WarnContext(ctx, "intent audit recorded",
		"intent_id", p.ID,
		"kind", kind,
		"status", p.Status,
		"approved", rep.Approved,
	)
}

func countApprovedCardLegs(p *domain.PaymentIntent) int {
	n := 0
	for _, l := range p.Legs {
		if l.Kind == domain.LegKindCard && l.Status == domain.LegStatusApproved {
			n++
		}
	}
	return n
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
