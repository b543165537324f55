package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/realtime"
	"github.com/fjod/go_pos/pkg/logger"
)

// Memory is an in-process Store for development and tests. It publishes the same row change
// events the Postgres triggers emit, items excluded.
type Memory struct {
	mu         sync.RWMutex
	intents    map[uuid.UUID]*domain.PaymentIntent
	byKey      map[string]uuid.UUID
	orders     map[uuid.UUID]*domain.Order
	byIntent   map[uuid.UUID]uuid.UUID
	outbox     []*OutboxEvent
	audit      []*AuditEntry
	terminals  map[string]*domain.TerminalConfig
	products   map[int64]*Product
	orderSeq   int64
	outboxSeq  int64
	auditSeq   int64
	productSeq int64
	events     realtime.Publisher
	log        *logger.Logger
	now        func() time.Time
}

func NewMemory(events realtime.Publisher, log *logger.Logger) *Memory {
	if log == nil {
		log = logger.Nop()
	}
	return &Memory{
		intents:   make(map[uuid.UUID]*domain.PaymentIntent),
		byKey:     make(map[string]uuid.UUID),
		orders:    make(map[uuid.UUID]*domain.Order),
		byIntent:  make(map[uuid.UUID]uuid.UUID),
		terminals: make(map[string]*domain.TerminalConfig),
		products:  make(map[int64]*Product),
		events:    events,
		log:       log.WithComponent("memory-repository"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateIntent(_ context.Context, p *domain.PaymentIntent) error {
	m.mu.Lock()
	if _, ok := m.byKey[p.IdempotencyKey]; ok {
		m.mu.Unlock()
		return ErrDuplicateIdempotencyKey
	}
	now := m.now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	stored := p.Clone()
	m.intents[p.ID] = stored
	m.byKey[p.IdempotencyKey] = p.ID
	row := intentRow(stored)
	m.mu.Unlock()

	m.emit(realtime.TablePaymentIntents, realtime.EventInsert, row, now)
	return nil
}

func (m *Memory) GetIntent(_ context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) GetIntentByIdempotencyKey(_ context.Context, key string) (*domain.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrIdempotencyKeyNotFound
	}
	return m.intents[id].Clone(), nil
}

func (m *Memory) UpdateIntent(_ context.Context, p *domain.PaymentIntent, expectedVersion int64) error {
	m.mu.Lock()
	row, err := m.updateLocked(p, expectedVersion)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.emit(realtime.TablePaymentIntents, realtime.EventUpdate, row, p.UpdatedAt)
	return nil
}

func (m *Memory) updateLocked(p *domain.PaymentIntent, expectedVersion int64) (*domain.PaymentIntent, error) {
	cur, ok := m.intents[p.ID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = m.now()
	// creation-time fields are immutable, as in the UPDATE statement
	p.CreatedAt = cur.CreatedAt
	p.Items = cur.Items
	stored := p.Clone()
	m.intents[p.ID] = stored
	return intentRow(stored), nil
}

func (m *Memory) CompleteIntent(_ context.Context, p *domain.PaymentIntent, expectedVersion int64, order *domain.Order, event *OutboxEvent) error {
	m.mu.Lock()
	if _, ok := m.byIntent[order.IntentID]; ok {
		m.mu.Unlock()
		return ErrDuplicateOrder
	}
	row, err := m.updateLocked(p, expectedVersion)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	stored := *order
	stored.Items = append([]domain.LineItem(nil), order.Items...)
	m.orders[order.ID] = &stored
	m.byIntent[order.IntentID] = order.ID
	if event != nil {
		m.outboxSeq++
		event.ID = m.outboxSeq
		event.CreatedAt = p.UpdatedAt
		ev := *event
		m.outbox = append(m.outbox, &ev)
	}
	orderRow := stored
	orderRow.Items = nil
	m.mu.Unlock()

	// trigger order: the order row is inserted before the intent row is updated
	m.emit(realtime.TableOrders, realtime.EventInsert, &orderRow, p.UpdatedAt)
	m.emit(realtime.TablePaymentIntents, realtime.EventUpdate, row, p.UpdatedAt)
	return nil
}

func (m *Memory) ListStaleIntents(_ context.Context, updatedBefore time.Time, limit int) ([]*domain.PaymentIntent, error) {
	return m.filterIntents(limit, func(p *domain.PaymentIntent) bool {
		switch p.Status {
		case domain.IntentStatusValidating, domain.IntentStatusProcessing,
			domain.IntentStatusAwaitingTerminal, domain.IntentStatusApproved:
			return p.UpdatedAt.Before(updatedBefore)
		}
		return false
	}), nil
}

func (m *Memory) GetStuckIntents(_ context.Context, olderThan time.Duration) ([]*domain.PaymentIntent, error) {
	cutoff := m.now().Add(-olderThan)
	return m.filterIntents(100, func(p *domain.PaymentIntent) bool {
		return p.Status == domain.IntentStatusSaving && p.UpdatedAt.Before(cutoff)
	}), nil
}

func (m *Memory) filterIntents(limit int, keep func(p *domain.PaymentIntent) bool) []*domain.PaymentIntent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []*domain.PaymentIntent
	for _, p := range m.intents {
		if keep(p) {
			res = append(res, p.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.Before(res[j].UpdatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

func (m *Memory) NextOrderNumber(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderSeq++
	return formatOrderNumber(m.orderSeq), nil
}

func (m *Memory) RecordAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[entry.IntentID]; !ok {
		return ErrIntentNotFound
	}
	m.auditSeq++
	entry.ID = m.auditSeq
	entry.CreatedAt = m.now()
	e := *entry
	m.audit = append(m.audit, &e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, intentID uuid.UUID) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []*AuditEntry
	for _, e := range m.audit {
		if e.IntentID == intentID {
			c := *e
			res = append(res, &c)
		}
	}
	return res, nil
}

func (m *Memory) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := *o
	c.Items = append([]domain.LineItem(nil), o.Items...)
	return &c, nil
}

func (m *Memory) GetOrderByIntent(ctx context.Context, intentID uuid.UUID) (*domain.Order, error) {
	m.mu.RLock()
	id, ok := m.byIntent[intentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.GetOrder(ctx, id)
}

func (m *Memory) GetUnprocessedEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []*OutboxEvent
	for _, e := range m.outbox {
		if e.ProcessedAt != nil {
			continue
		}
		c := *e
		res = append(res, &c)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *Memory) MarkEventAsProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.outbox {
		if e.ID == id {
			now := m.now()
			e.ProcessedAt = &now
			return nil
		}
	}
	return nil
}

func (m *Memory) GetTerminalConfig(_ context.Context, registerID string) (*domain.TerminalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.terminals[registerID]
	if !ok {
		return nil, ErrTerminalConfigNotFound
	}
	c := *cfg
	return &c, nil
}

func (m *Memory) UpsertTerminalConfig(_ context.Context, cfg *domain.TerminalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cfg
	m.terminals[cfg.RegisterID] = &c
	return nil
}

func (m *Memory) GetProduct(_ context.Context, id int64) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	c := *p
	return &c, nil
}

func (m *Memory) CreateProduct(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.productSeq++
		p.ID = m.productSeq
	} else if p.ID > m.productSeq {
		m.productSeq = p.ID
	}
	c := *p
	m.products[p.ID] = &c
	return nil
}

func intentRow(p *domain.PaymentIntent) *domain.PaymentIntent {
	row := p.Clone()
	row.Items = nil
	return row
}

func (m *Memory) emit(table string, typ realtime.EventType, row any, at time.Time) {
	if m.events == nil {
		return
	}
	e, err := realtime.RowEvent(table, typ, row, at)
	if err != nil {
		m.log.Error("failed to build realtime event", "table", table, "error", err)
		return
	}
	m.events.Publish(e)
}

// compile-time checks
var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)

