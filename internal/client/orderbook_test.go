package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/mutation"
	"github.com/fjod/go_pos/internal/realtime"
)

func testOrder(status domain.OrderStatus, updated time.Time) *domain.Order {
	return &domain.Order{
		ID:          uuid.New(),
		OrderNumber: "A-1001",
		Channel:     "pos",
		LocationID:  "loc-1",
		RegisterID:  "reg-1",
		Status:      status,
		Currency:    "USD",
		Total:       decimal.RequireFromString("12.50"),
		Items: []domain.LineItem{
			{ProductID: 1, Name: "Latte", Quantity: 2, UnitPrice: decimal.RequireFromString("6.25"), LineTotal: decimal.RequireFromString("12.50")},
		},
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

// rowOf strips items the way the orders trigger does.
func rowOf(o *domain.Order) *domain.Order {
	c := *o
	c.Items = nil
	return &c
}

func orderEvent(t *testing.T, typ realtime.EventType, o *domain.Order) realtime.Event {
	t.Helper()
	e, err := realtime.RowEvent(realtime.TableOrders, typ, rowOf(o), time.Now())
	require.NoError(t, err)
	return e
}

func TestOrderBook_InsertFetchesFullOrder(t *testing.T) {
	o := testOrder(domain.OrderStatusCompleted, time.Now())
	source := NewMockOrders(o)
	book := NewOrderBook(mutation.New(), source, nil)

	book.Handle(orderEvent(t, realtime.EventInsert, o))

	got, ok := book.Snapshot().Get(o.ID)
	require.True(t, ok)
	assert.Len(t, got.Items, 1)
	assert.Equal(t, 1, source.Fetches)
	assert.Len(t, book.Snapshot().Group(IndexOrderStatus, string(domain.OrderStatusCompleted)), 1)
}

func TestOrderBook_UpdateKeepsItems(t *testing.T) {
	now := time.Now()
	o := testOrder(domain.OrderStatusPreparing, now)
	source := NewMockOrders(o)
	book := NewOrderBook(mutation.New(), source, nil)
	require.NoError(t, book.Load(context.Background(), o.ID))

	ready := *o
	ready.Status = domain.OrderStatusReady
	ready.UpdatedAt = now.Add(time.Second)
	book.Handle(orderEvent(t, realtime.EventUpdate, &ready))

	got, ok := book.Snapshot().Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusReady, got.Status)
	assert.Len(t, got.Items, 1)
	assert.Equal(t, 1, source.Fetches)
	assert.Empty(t, book.Snapshot().Group(IndexOrderStatus, string(domain.OrderStatusPreparing)))
}

func TestOrderBook_StaleUpdateIgnored(t *testing.T) {
	now := time.Now()
	o := testOrder(domain.OrderStatusReady, now)
	book := NewOrderBook(mutation.New(), NewMockOrders(o), nil)
	require.NoError(t, book.Load(context.Background(), o.ID))

	older := *o
	older.Status = domain.OrderStatusPreparing
	older.UpdatedAt = now.Add(-time.Minute)
	book.Handle(orderEvent(t, realtime.EventUpdate, &older))

	got, _ := book.Snapshot().Get(o.ID)
	assert.Equal(t, domain.OrderStatusReady, got.Status)
}

func TestOrderBook_UpdateOfUnknownOrderInserts(t *testing.T) {
	o := testOrder(domain.OrderStatusReady, time.Now())
	book := NewOrderBook(mutation.New(), NewMockOrders(o), nil)

	book.Handle(orderEvent(t, realtime.EventUpdate, o))

	got, ok := book.Snapshot().Get(o.ID)
	require.True(t, ok)
	assert.Len(t, got.Items, 1)
}

func TestOrderBook_DeleteUsesOldRecord(t *testing.T) {
	o := testOrder(domain.OrderStatusVoided, time.Now())
	book := NewOrderBook(mutation.New(), NewMockOrders(o), nil)
	require.NoError(t, book.Load(context.Background(), o.ID))

	e := orderEvent(t, realtime.EventDelete, o)
	require.Empty(t, e.Record)
	book.Handle(e)

	_, ok := book.Snapshot().Get(o.ID)
	assert.False(t, ok)
}

func TestOrderBook_BadRowSkipped(t *testing.T) {
	book := NewOrderBook(mutation.New(), NewMockOrders(), nil)

	book.Handle(realtime.Event{Table: realtime.TableOrders, Type: realtime.EventInsert, Record: []byte(`{"id":"not-a-uuid"}`)})
	book.Handle(realtime.Event{Table: realtime.TablePaymentIntents, Type: realtime.EventInsert, Record: []byte(`{}`)})

	assert.Zero(t, book.Snapshot().Len())
}

func TestOrderBook_UpdateStatus(t *testing.T) {
	o := testOrder(domain.OrderStatusPreparing, time.Now())
	book := NewOrderBook(mutation.New(), NewMockOrders(o), nil)
	ctx := context.Background()
	require.NoError(t, book.Load(ctx, o.ID))

	require.NoError(t, book.UpdateStatus(ctx, o.ID, domain.OrderStatusPickedUp))
	got, _ := book.Snapshot().Get(o.ID)
	assert.Equal(t, domain.OrderStatusPickedUp, got.Status)

	err := book.UpdateStatus(ctx, uuid.New(), domain.OrderStatusReady)
	assert.ErrorIs(t, err, ErrOrderNotInBook)
}

func TestOrderBook_ServerUpdateAfterLocalStatusChange(t *testing.T) {
	// server timestamps well behind the device clock
	serverNow := time.Now().Add(-time.Hour)
	o := testOrder(domain.OrderStatusPreparing, serverNow)
	book := NewOrderBook(mutation.New(), NewMockOrders(o), nil)
	ctx := context.Background()
	require.NoError(t, book.Load(ctx, o.ID))

	require.NoError(t, book.UpdateStatus(ctx, o.ID, domain.OrderStatusReady))
	got, _ := book.Snapshot().Get(o.ID)
	assert.True(t, got.UpdatedAt.Equal(serverNow))

	picked := *o
	picked.Status = domain.OrderStatusPickedUp
	picked.UpdatedAt = serverNow.Add(time.Second)
	book.Handle(orderEvent(t, realtime.EventUpdate, &picked))

	got, _ = book.Snapshot().Get(o.ID)
	assert.Equal(t, domain.OrderStatusPickedUp, got.Status)
	assert.Len(t, got.Items, 1)
}

func TestOrderBook_RefreshDropsGoneOrders(t *testing.T) {
	kept := testOrder(domain.OrderStatusPreparing, time.Now())
	gone := testOrder(domain.OrderStatusPreparing, time.Now())
	source := NewMockOrders(kept, gone)
	book := NewOrderBook(mutation.New(), source, nil)
	ctx := context.Background()
	require.NoError(t, book.Load(ctx, kept.ID, gone.ID))

	// changed while the register was suspended
	changed := *kept
	changed.Status = domain.OrderStatusReady
	source.put(&changed)
	source.remove(gone.ID)

	require.NoError(t, book.Refresh(ctx))

	snap := book.Snapshot()
	assert.Equal(t, 1, snap.Len())
	got, ok := snap.Get(kept.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusReady, got.Status)
}

func TestOrderBook_WatchRegistersResume(t *testing.T) {
	o := testOrder(domain.OrderStatusCompleted, time.Now())
	channels := NewMockChannels()
	book := NewOrderBook(mutation.New(), NewMockOrders(o), nil)

	require.NoError(t, book.Watch(context.Background(), channels, "loc-1"))

	assert.Len(t, channels.Refreshers, 1)
	filter := channels.Filters[ordersChannel]
	assert.Equal(t, realtime.TableOrders, filter.Table)
	assert.Equal(t, "location_id", filter.Column)
	assert.Equal(t, "loc-1", filter.Value)

	channels.Handlers[ordersChannel](orderEvent(t, realtime.EventInsert, o))
	assert.Equal(t, 1, book.Snapshot().Len())
}

func TestOrderBook_ConcurrentEventsAllLand(t *testing.T) {
	var orders []*domain.Order
	for i := 0; i < 20; i++ {
		orders = append(orders, testOrder(domain.OrderStatusCompleted, time.Now()))
	}
	book := NewOrderBook(mutation.New(), NewMockOrders(orders...), nil)

	events := make([]realtime.Event, 0, len(orders))
	for _, o := range orders {
		events = append(events, orderEvent(t, realtime.EventInsert, o))
	}

	var wg sync.WaitGroup
	for _, e := range events {
		wg.Add(1)
		go func(e realtime.Event) {
			defer wg.Done()
			book.Handle(e)
		}(e)
	}
	wg.Wait()

	assert.Equal(t, len(orders), book.Snapshot().Len())
}
