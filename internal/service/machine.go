// Package service drives payment intents through their lifecycle. The Machine is the only
// writer of intent status.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fjod/go_pos/domain"
	r "github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/pkg/logger"
)

const (
	// DefaultIntentTTL is how long an intent may sit in a non-terminal state before the
	// sweeper expires it. It is longer than the client's card wait so a slow terminal is not
	// cut off from under the device.
	DefaultIntentTTL = 10 * time.Minute

	// DefaultSweepInterval is how often the sweeper looks for stale intents
	DefaultSweepInterval = 30 * time.Second

	DefaultCurrency = "USD"
)

// CartSource resolves a server cart when a payment is created by cart id.
type CartSource interface {
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
}

type Config struct {
	IntentTTL       time.Duration
	SweepInterval   time.Duration
	DefaultCurrency string
}

func DefaultConfig() Config {
	return Config{
		IntentTTL:       DefaultIntentTTL,
		SweepInterval:   DefaultSweepInterval,
		DefaultCurrency: DefaultCurrency,
	}
}

type Machine struct {
	repo   r.IntentRepository
	carts  CartSource
	cfg    Config
	locks  *keyedLocks
	log    *logger.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMachine builds a machine. carts may be nil, in which case requests must carry items.
func NewMachine(repo r.IntentRepository, carts CartSource, cfg Config, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = DefaultIntentTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = DefaultCurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		repo:   repo,
		carts:  carts,
		cfg:    cfg,
		locks:  newKeyedLocks(),
		log:    log.WithComponent("payment-machine"),
		tracer: otel.Tracer("github.com/fjod/go_pos/internal/service"),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close stops background work and waits for in-flight advancement to finish.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Machine) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// goAsync runs fn on the machine's own context so it outlives the request that triggered it.
func (m *Machine) goAsync(fn func(ctx context.Context)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMachineClosed
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
	return nil
}

func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	p, err := m.repo.GetIntent(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return p, nil
}

// Cancel moves a non-terminal intent to cancelled. Cancelling a finished intent is a no-op
// that returns it unchanged.
func (m *Machine) Cancel(ctx context.Context, id uuid.UUID) (p *domain.PaymentIntent, err error) {
	ctx, span := m.startSpan(ctx, "Machine.Cancel", id)
	defer func() { endSpan(span, err) }()

	unlock := m.locks.Lock(id)
	defer unlock()

	p, err = m.repo.GetIntent(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if p.Status.IsTerminal() {
		return p, nil
	}
	if err := m.transition(ctx, p, domain.IntentStatusCancelled, "Payment cancelled"); err != nil {
		return nil, err
	}
	return p, nil
}

// transition persists p in status to. p.Version is the version the caller read; on success
// it is bumped by the repository.
func (m *Machine) transition(ctx context.Context, p *domain.PaymentIntent, to domain.IntentStatus, message string) error {
	from := p.Status
	if !domain.CanTransitionTo(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	prevMessage := p.StatusMessage
	p.Status = to
	p.StatusMessage = message
	if err := m.repo.UpdateIntent(ctx, p, p.Version); err != nil {
		p.Status = from
		p.StatusMessage = prevMessage
		return mapRepoErr(err)
	}

	m.log.InfoContext(ctx, "intent transitioned",
		"intent_id", p.ID,
		"from", from,
		"to", to,
		"version", p.Version,
	)
	return nil
}

func (m *Machine) fail(ctx context.Context, p *domain.PaymentIntent, reason string) error {
	p.ErrorMessage = &reason
	return m.transition(ctx, p, domain.IntentStatusFailed, reason)
}

func (m *Machine) startSpan(ctx context.Context, name string, id uuid.UUID) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, name)
	if id != uuid.Nil {
		span.SetAttributes(attribute.String("intent.id", id.String()))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func mapRepoErr(err error) error {
	switch {
	case errors.Is(err, r.ErrIntentNotFound):
		return fmt.Errorf("%w: %w", ErrIntentNotFound, err)
	case errors.Is(err, r.ErrVersionConflict):
		return fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
	default:
		return err
	}
}
