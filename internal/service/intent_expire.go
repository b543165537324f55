package service

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/go_pos/domain"
)

const expireBatch = 100

// RunSweeper expires stale intents every SweepInterval until ctx is done.
func (m *Machine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.ExpireStale(ctx); err != nil {
				m.log.ErrorContext(ctx, "failed to expire stale intents", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ExpireStale moves intents that have not progressed within IntentTTL to expired and returns
// how many it expired. Intents in saving are left to outbox recovery.
func (m *Machine) ExpireStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.IntentTTL)
	stale, err := m.repo.ListStaleIntents(ctx, cutoff, expireBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale intents: %w", err)
	}

	expired := 0
	for _, s := range stale {
		ok, err := m.expire(ctx, s, cutoff)
		if err != nil {
			m.log.ErrorContext(ctx, "failed to expire intent", "intent_id", s.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (m *Machine) expire(ctx context.Context, s *domain.PaymentIntent, cutoff time.Time) (bool, error) {
	unlock := m.locks.Lock(s.ID)
	defer unlock()

	// re-read under the lock, a report may have landed since the listing
	p, err := m.repo.GetIntent(ctx, s.ID)
	if err != nil {
		return false, mapRepoErr(err)
	}
	if p.Status.IsTerminal() || p.Status == domain.IntentStatusSaving || !p.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	reason := fmt.Sprintf("Payment expired after %s in %s", m.cfg.IntentTTL, p.Status)
	p.ErrorMessage = &reason
	if err := m.transition(ctx, p, domain.IntentStatusExpired, reason); err != nil {
		return false, err
	}
	return true, nil
}
