package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fjod/go_pos/domain"
)

var (
	ErrIntentNotFound          = errors.New("payment intent not found")
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")
	ErrDuplicateIdempotencyKey = errors.New("payment intent with this idempotency key already exists")
	ErrVersionConflict         = errors.New("payment intent was modified concurrently")
	ErrOrderNotFound           = errors.New("order not found")
	ErrDuplicateOrder          = errors.New("order for this payment intent already exists")
	ErrTerminalConfigNotFound  = errors.New("terminal config not found")
	ErrProductNotFound         = errors.New("product not found")
)

const EventTypePaymentCompleted = "payment.completed"

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

func (c *Credentials) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.DBName)
}

type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// AuditEntry records something that happened to an intent without changing it, e.g. a
// terminal approval that arrived after the intent expired.
type AuditEntry struct {
	ID        int64           `json:"id"`
	IntentID  uuid.UUID       `json:"intent_id"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

type Product struct {
	ID     int64
	Name   string
	Price  decimal.Decimal
	Active bool
}

// IntentRepository persists payment intents. Updates are compare-and-set on Version: the
// caller passes the version it read, the repository bumps it.
type IntentRepository interface {
	CreateIntent(ctx context.Context, p *domain.PaymentIntent) error
	GetIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)
	GetIntentByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentIntent, error)
	UpdateIntent(ctx context.Context, p *domain.PaymentIntent, expectedVersion int64) error
	// CompleteIntent writes the order, the completed intent and the outbox event atomically.
	CompleteIntent(ctx context.Context, p *domain.PaymentIntent, expectedVersion int64, order *domain.Order, event *OutboxEvent) error
	ListStaleIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.PaymentIntent, error)
	NextOrderNumber(ctx context.Context) (string, error)
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}

type OrderRepository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByIntent(ctx context.Context, intentID uuid.UUID) (*domain.Order, error)
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	// GetStuckIntents returns intents left in saving for longer than olderThan.
	GetStuckIntents(ctx context.Context, olderThan time.Duration) ([]*domain.PaymentIntent, error)
}

type TerminalConfigRepository interface {
	GetTerminalConfig(ctx context.Context, registerID string) (*domain.TerminalConfig, error)
	UpsertTerminalConfig(ctx context.Context, cfg *domain.TerminalConfig) error
}

type ProductRepository interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
}

type Store interface {
	IntentRepository
	OrderRepository
	OutboxRepository
	TerminalConfigRepository
	ProductRepository
	Close() error
}

func formatOrderNumber(n int64) string {
	return fmt.Sprintf("POS-%06d", n)
}
