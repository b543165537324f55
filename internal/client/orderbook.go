package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/collection"
	"github.com/fjod/go_pos/internal/mutation"
	"github.com/fjod/go_pos/internal/realtime"
	"github.com/fjod/go_pos/pkg/logger"
)

const (
	IndexOrderStatus  = "status"
	IndexOrderChannel = "channel"

	ordersChannel = "orders"
	fetchTimeout  = 10 * time.Second
)

var ErrOrderNotInBook = errors.New("order not in book")

type OrderSource interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

// ResumableChannels is implemented by realtime.Channels.
type ResumableChannels interface {
	ChannelSubscriber
	OnResume(fn func(ctx context.Context) error)
}

// OrderBook is the register's copy of the location's orders. Realtime rows carry no items,
// so inserts are fetched in full and updates keep the items already held.
type OrderBook struct {
	orders *collection.Collection[uuid.UUID, *domain.Order]
	source OrderSource
	log    *logger.Logger
}

func NewOrderBook(lock *mutation.Lock, source OrderSource, log *logger.Logger) *OrderBook {
	if log == nil {
		log = logger.Nop()
	}
	orders := collection.New(lock,
		func(o *domain.Order) uuid.UUID { return o.ID },
		collection.Index[*domain.Order]{Name: IndexOrderStatus, Key: func(o *domain.Order) string { return string(o.Status) }},
		collection.Index[*domain.Order]{Name: IndexOrderChannel, Key: func(o *domain.Order) string { return o.Channel }},
	)
	return &OrderBook{orders: orders, source: source, log: log.WithComponent("order-book")}
}

func (b *OrderBook) Snapshot() *collection.Snapshot[uuid.UUID, *domain.Order] {
	return b.orders.Snapshot()
}

func (b *OrderBook) Observe(fn func(*collection.Snapshot[uuid.UUID, *domain.Order])) {
	b.orders.Observe(fn)
}

// Watch follows the orders of a location and refreshes the book after every resume.
func (b *OrderBook) Watch(ctx context.Context, channels ResumableChannels, locationID string) error {
	channels.OnResume(b.Refresh)
	filter := realtime.Filter{Table: realtime.TableOrders, Column: "location_id", Value: locationID}
	return channels.Subscribe(ctx, ordersChannel, filter, b.Handle)
}

// Load fetches orders by id, e.g. the ones completed on this register, and adds them.
func (b *OrderBook) Load(ctx context.Context, ids ...uuid.UUID) error {
	orders := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := b.source.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		orders = append(orders, o)
	}
	return b.orders.Upsert(ctx, orders...)
}

// Handle applies one orders event. Bad rows are logged and skipped.
func (b *OrderBook) Handle(e realtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	var err error
	switch e.Type {
	case realtime.EventInsert:
		err = b.applyInsert(ctx, e)
	case realtime.EventUpdate:
		err = b.applyUpdate(ctx, e)
	case realtime.EventDelete:
		err = b.applyDelete(ctx, e)
	default:
		err = fmt.Errorf("unknown event type %q", e.Type)
	}
	switch {
	case errors.Is(err, errStaleRow):
		b.log.Debug("stale order row ignored")
	case err != nil:
		b.log.Warn("order event not applied", "type", e.Type, "error", err)
	}
}

func (b *OrderBook) applyInsert(ctx context.Context, e realtime.Event) error {
	row, err := realtime.DecodeOrderRow(e)
	if err != nil {
		return err
	}
	full, err := b.source.GetOrder(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", row.ID, err)
	}
	return b.orders.Upsert(ctx, full)
}

func (b *OrderBook) applyUpdate(ctx context.Context, e realtime.Event) error {
	row, err := realtime.DecodeOrderRow(e)
	if err != nil {
		return err
	}
	if _, ok := b.orders.Snapshot().Get(row.ID); !ok {
		// first sight of this order here
		return b.applyInsert(ctx, e)
	}
	return b.orders.Mutate(ctx, func(items []*domain.Order) ([]*domain.Order, error) {
		for i, o := range items {
			if o.ID != row.ID {
				continue
			}
			if row.UpdatedAt.Before(o.UpdatedAt) {
				return nil, errStaleRow
			}
			merged := *row
			if len(merged.Items) == 0 {
				merged.Items = o.Items
			}
			items[i] = &merged
		}
		return items, nil
	})
}

var errStaleRow = errors.New("order row older than held copy")

func (b *OrderBook) applyDelete(ctx context.Context, e realtime.Event) error {
	row, err := realtime.DecodeOrderRow(realtime.Event{Table: e.Table, Type: e.Type, Record: e.OldRecord})
	if err != nil {
		return err
	}
	return b.orders.Remove(ctx, row.ID)
}

// UpdateStatus changes an order's status locally, e.g. when staff mark it ready. UpdatedAt
// stays the server's, so the next server row for the order still applies.
func (b *OrderBook) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus) error {
	return b.orders.Mutate(ctx, func(items []*domain.Order) ([]*domain.Order, error) {
		for i, o := range items {
			if o.ID == id {
				c := *o
				c.Status = status
				items[i] = &c
				return items, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrOrderNotInBook, id)
	})
}

// Refresh re-fetches every held order; events missed while suspended are lost otherwise.
// Orders the backend no longer knows are dropped.
func (b *OrderBook) Refresh(ctx context.Context) error {
	held := b.orders.Snapshot().All()
	fresh := make([]*domain.Order, 0, len(held))
	var gone []uuid.UUID
	var errs []error
	for _, o := range held {
		full, err := b.source.GetOrder(ctx, o.ID)
		switch {
		case err == nil:
			fresh = append(fresh, full)
		case IsNotFound(err):
			gone = append(gone, o.ID)
		default:
			errs = append(errs, err)
		}
	}
	if err := b.orders.Upsert(ctx, fresh...); err != nil {
		return err
	}
	if len(gone) > 0 {
		if err := b.orders.Remove(ctx, gone...); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}
