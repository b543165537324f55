package consumer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/publisher"
	"github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/pkg/logger"
)

// CartClearer empties the server cart a paid order came from.
type CartClearer interface {
	ClearCart(ctx context.Context, cartID string) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type CartConsumer struct {
	carts  CartClearer
	reader messageReader
	log    *logger.Logger
}

func NewCartConsumer(carts CartClearer, log *logger.Logger, brokers ...string) *CartConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    publisher.Topic,
		GroupID:  "cart-consumer",
		MaxBytes: 10e6, // 10MB
	})
	if log == nil {
		log = logger.Nop()
	}
	return &CartConsumer{carts: carts, reader: reader, log: log.WithComponent("cart-consumer")}
}

func (c *CartConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *CartConsumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error("error closing kafka reader", "error", err)
	}
}

func (c *CartConsumer) processMessage(ctx context.Context) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.log.ErrorContext(ctx, "error reading message", "error", err)
		return
	}

	if t := eventType(m); t != "" && t != repository.EventTypePaymentCompleted {
		c.log.DebugContext(ctx, "skipping event", "event_type", t)
		return
	}

	var event domain.PaymentCompletedEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		c.log.ErrorContext(ctx, "error parsing message", "error", err, "offset", m.Offset)
		return
	}
	if event.CartID == nil || *event.CartID == "" {
		// payment started from a local ticket
		return
	}

	if err := c.carts.ClearCart(ctx, *event.CartID); err != nil {
		c.log.ErrorContext(ctx, "failed to clear cart", "cart_id", *event.CartID, "order_number", event.OrderNumber, "error", err)
		return
	}
	c.log.InfoContext(ctx, "cart cleared", "cart_id", *event.CartID, "order_number", event.OrderNumber)
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}
