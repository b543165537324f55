// Package mutation provides the lock every write to a shared cart or order collection must hold.
package mutation

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Lock is a fair mutual exclusion lock: waiters are admitted strictly in arrival order,
// whether the write comes from a realtime push or from the operator. Acquire honours context
// cancellation, and a waiter that gives up leaves the queue without blocking the ones behind.
type Lock struct {
	sem *semaphore.Weighted
}

func New() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

func (l *Lock) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire mutation lock: %w", err)
	}
	return nil
}

// TryAcquire takes the lock only if it is free and nobody is queued.
func (l *Lock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release panics if the lock is not held.
func (l *Lock) Release() {
	l.sem.Release(1)
}

// Do runs fn while holding the lock. The lock is released however fn returns, panics included.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}
