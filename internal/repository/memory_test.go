package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/realtime"
)

type recordingPublisher struct {
	events []realtime.Event
}

func (p *recordingPublisher) Publish(e realtime.Event) {
	p.events = append(p.events, e)
}

func newTestIntent() *domain.PaymentIntent {
	return &domain.PaymentIntent{
		ID:             uuid.New(),
		IdempotencyKey: uuid.NewString(),
		Method:         domain.PaymentMethodCard,
		Status:         domain.IntentStatusValidating,
		SessionContext: domain.SessionContext{
			StoreID:    "store-1",
			LocationID: "loc-1",
			RegisterID: "reg-1",
			OperatorID: "op-1",
		},
		Currency:        "USD",
		Subtotal:        decimal.RequireFromString("40.00"),
		Tax:             decimal.RequireFromString("2.50"),
		Discount:        decimal.Zero,
		LoyaltyDiscount: decimal.Zero,
		Total:           decimal.RequireFromString("42.50"),
		AmountDue:       decimal.RequireFromString("42.50"),
		Legs: []domain.Leg{
			{Number: 1, Kind: domain.LegKindCard, Amount: decimal.RequireFromString("42.50"), Status: domain.LegStatusPending},
		},
		Items: []domain.LineItem{
			{ProductID: 1, Name: "Coffee beans", Quantity: 1, UnitPrice: decimal.RequireFromString("40.00"), LineTotal: decimal.RequireFromString("40.00")},
		},
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	pub := &recordingPublisher{}
	repo := NewMemory(pub, nil)
	ctx := context.Background()

	p := newTestIntent()
	require.NoError(t, repo.CreateIntent(ctx, p))
	assert.Equal(t, int64(1), p.Version)

	got, err := repo.GetIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.IdempotencyKey, got.IdempotencyKey)
	assert.Len(t, got.Items, 1)

	byKey, err := repo.GetIntentByIdempotencyKey(ctx, p.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byKey.ID)

	require.Len(t, pub.events, 1)
	assert.Equal(t, realtime.EventInsert, pub.events[0].Type)

	decoded, err := realtime.DecodeIntent(pub.events[0])
	require.NoError(t, err)
	assert.Equal(t, p.ID, decoded.ID)
	assert.Empty(t, decoded.Items, "row payloads carry no items")
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	repo := NewMemory(nil, nil)
	ctx := context.Background()

	p := newTestIntent()
	require.NoError(t, repo.CreateIntent(ctx, p))

	dup := newTestIntent()
	dup.IdempotencyKey = p.IdempotencyKey
	assert.ErrorIs(t, repo.CreateIntent(ctx, dup), ErrDuplicateIdempotencyKey)
}

func TestMemory_NotFound(t *testing.T) {
	repo := NewMemory(nil, nil)
	ctx := context.Background()

	_, err := repo.GetIntent(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrIntentNotFound)

	_, err = repo.GetIntentByIdempotencyKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrIdempotencyKeyNotFound)

	_, err = repo.GetOrder(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemory_UpdateIsCompareAndSet(t *testing.T) {
	repo := NewMemory(nil, nil)
	ctx := context.Background()

	p := newTestIntent()
	require.NoError(t, repo.CreateIntent(ctx, p))

	first := p.Clone()
	second := p.Clone()

	first.Status = domain.IntentStatusProcessing
	require.NoError(t, repo.UpdateIntent(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.Status = domain.IntentStatusCancelled
	assert.ErrorIs(t, repo.UpdateIntent(ctx, second, 1), ErrVersionConflict)

	got, err := repo.GetIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusProcessing, got.Status)
}

func TestMemory_CompleteIntentWritesOrderOnce(t *testing.T) {
	pub := &recordingPublisher{}
	repo := NewMemory(pub, nil)
	ctx := context.Background()

	p := newTestIntent()
	require.NoError(t, repo.CreateIntent(ctx, p))

	number, err := repo.NextOrderNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "POS-000001", number)

	order := domain.NewOrderFromIntent(p, number, time.Now())
	p.Status = domain.IntentStatusCompleted
	p.OrderID = &order.ID
	event := &OutboxEvent{AggregateID: p.ID.String(), EventType: EventTypePaymentCompleted, Payload: []byte(`{}`)}
	require.NoError(t, repo.CompleteIntent(ctx, p, 1, order, event))
	assert.NotZero(t, event.ID)

	again := domain.NewOrderFromIntent(p, "POS-000002", time.Now())
	assert.ErrorIs(t, repo.CompleteIntent(ctx, p, p.Version, again, nil), ErrDuplicateOrder)

	got, err := repo.GetOrderByIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Len(t, got.Items, 1)

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, repo.MarkEventAsProcessed(ctx, events[0].ID))
	events, err = repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// insert intent, insert order, update intent
	require.Len(t, pub.events, 3)
	assert.Equal(t, realtime.TableOrders, pub.events[1].Table)
	row, err := realtime.DecodeOrderRow(pub.events[1])
	require.NoError(t, err)
	assert.Equal(t, order.ID, row.ID)
}

func TestMemory_StaleAndStuckIntents(t *testing.T) {
	repo := NewMemory(nil, nil)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	repo.now = func() time.Time { return base }

	awaiting := newTestIntent()
	awaiting.Status = domain.IntentStatusAwaitingTerminal
	require.NoError(t, repo.CreateIntent(ctx, awaiting))

	saving := newTestIntent()
	saving.Status = domain.IntentStatusSaving
	require.NoError(t, repo.CreateIntent(ctx, saving))

	done := newTestIntent()
	done.Status = domain.IntentStatusCompleted
	require.NoError(t, repo.CreateIntent(ctx, done))

	repo.now = func() time.Time { return time.Now().UTC() }

	stale, err := repo.ListStaleIntents(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, awaiting.ID, stale[0].ID)

	stuck, err := repo.GetStuckIntents(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, saving.ID, stuck[0].ID)
}

func TestMemory_Audit(t *testing.T) {
	repo := NewMemory(nil, nil)
	ctx := context.Background()

	p := newTestIntent()
	require.NoError(t, repo.CreateIntent(ctx, p))

	require.NoError(t, repo.RecordAudit(ctx, &AuditEntry{IntentID: p.ID, Kind: "late_terminal_report", Detail: []byte(`{"approved":true}`)}))
	assert.ErrorIs(t, repo.RecordAudit(ctx, &AuditEntry{IntentID: uuid.New(), Kind: "x"}), ErrIntentNotFound)

	entries, err := repo.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "late_terminal_report", entries[0].Kind)
}

func TestMemory_TerminalConfigAndProducts(t *testing.T) {
	repo := NewMemory(nil, nil)
	ctx := context.Background()

	_, err := repo.GetTerminalConfig(ctx, "reg-1")
	assert.ErrorIs(t, err, ErrTerminalConfigNotFound)

	require.NoError(t, repo.UpsertTerminalConfig(ctx, &domain.TerminalConfig{RegisterID: "reg-1", TerminalID: "t-1", Vendor: "mock", Active: true}))
	cfg, err := repo.GetTerminalConfig(ctx, "reg-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", cfg.TerminalID)

	prod := &Product{Name: "Latte", Price: decimal.RequireFromString("4.50"), Active: true}
	require.NoError(t, repo.CreateProduct(ctx, prod))
	got, err := repo.GetProduct(ctx, prod.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("4.50")))
}
