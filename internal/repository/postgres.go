package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/pkg/logger"
)

const uniqueViolation = "23505"

const intentColumns = `id, idempotency_key, method, status, status_message, error_message,
	store_id, location_id, register_id, operator_id, customer_id, cart_id,
	currency, subtotal, tax, discount, loyalty_discount, total, amount_due, cash_tendered, change_due,
	terminal_amount, current_card_number, terminal_reference, auth_code, card_type, card_last4,
	order_id, order_number, invoice_email, invoice_due_date, invoice_notes,
	legs, items, version, created_at, updated_at`

const orderColumns = `id, order_number, intent_id, channel, store_id, location_id, register_id, customer_id,
	status, payment_status, currency, subtotal, tax, discount, total, items, created_at, updated_at`

type Postgres struct {
	db  *sql.DB
	log *logger.Logger
}

func NewPostgres(cred *Credentials, log *logger.Logger) (*Postgres, error) {
	if log == nil {
		log = logger.Nop()
	}

	db, err := sql.Open("postgres", cred.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	log.Info("connected to postgres", "host", cred.Host, "db", cred.DBName)
	return &Postgres{db: db, log: log.WithComponent("repository")}, nil
}

func (r *Postgres) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "pos_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Postgres) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*domain.PaymentIntent, error) {
	var (
		p         domain.PaymentIntent
		legsJSON  []byte
		itemsJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.Method, &p.Status, &p.StatusMessage, &p.ErrorMessage,
		&p.StoreID, &p.LocationID, &p.RegisterID, &p.OperatorID, &p.CustomerID, &p.CartID,
		&p.Currency, &p.Subtotal, &p.Tax, &p.Discount, &p.LoyaltyDiscount, &p.Total, &p.AmountDue,
		&p.CashTendered, &p.ChangeDue,
		&p.TerminalAmount, &p.CurrentCardNumber, &p.TerminalReference, &p.AuthCode, &p.CardType, &p.CardLast4,
		&p.OrderID, &p.OrderNumber, &p.InvoiceEmail, &p.InvoiceDueDate, &p.InvoiceNotes,
		&legsJSON, &itemsJSON, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(legsJSON, &p.Legs); err != nil {
		return nil, fmt.Errorf("unmarshal intent legs: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &p.Items); err != nil {
		return nil, fmt.Errorf("unmarshal intent items: %w", err)
	}
	return &p, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o         domain.Order
		itemsJSON []byte
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.IntentID, &o.Channel, &o.StoreID, &o.LocationID, &o.RegisterID, &o.CustomerID,
		&o.Status, &o.PaymentStatus, &o.Currency, &o.Subtotal, &o.Tax, &o.Discount, &o.Total,
		&itemsJSON, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	return &o, nil
}

func (r *Postgres) CreateIntent(ctx context.Context, p *domain.PaymentIntent) error {
	legsJSON, itemsJSON, err := marshalLegsItems(p)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `INSERT INTO payment_intents (` + intentColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
	                  $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, $37)`

	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.IdempotencyKey, p.Method, p.Status, p.StatusMessage, p.ErrorMessage,
		p.StoreID, p.LocationID, p.RegisterID, p.OperatorID, p.CustomerID, p.CartID,
		p.Currency, p.Subtotal, p.Tax, p.Discount, p.LoyaltyDiscount, p.Total, p.AmountDue,
		p.CashTendered, p.ChangeDue,
		p.TerminalAmount, p.CurrentCardNumber, p.TerminalReference, p.AuthCode, p.CardType, p.CardLast4,
		p.OrderID, p.OrderNumber, p.InvoiceEmail, p.InvoiceDueDate, p.InvoiceNotes,
		legsJSON, itemsJSON, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

func (r *Postgres) GetIntent(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	p, err := scanIntent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment intent: %w", err)
	}
	return p, nil
}

func (r *Postgres) GetIntentByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE idempotency_key = $1`
	p, err := scanIntent(r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment intent by idempotency key: %w", err)
	}
	return p, nil
}

func (r *Postgres) UpdateIntent(ctx context.Context, p *domain.PaymentIntent, expectedVersion int64) error {
	return r.updateIntent(ctx, r.db, p, expectedVersion)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Postgres) updateIntent(ctx context.Context, db execer, p *domain.PaymentIntent, expectedVersion int64) error {
	legsJSON, _, err := marshalLegsItems(p)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `UPDATE payment_intents SET
	              status = $1, status_message = $2, error_message = $3,
	              cash_tendered = $4, change_due = $5,
	              terminal_amount = $6, current_card_number = $7, terminal_reference = $8,
	              auth_code = $9, card_type = $10, card_last4 = $11,
	              order_id = $12, order_number = $13, legs = $14,
	              version = version + 1, updated_at = $15
	          WHERE id = $16 AND version = $17`

	res, err := db.ExecContext(ctx, query,
		p.Status, p.StatusMessage, p.ErrorMessage,
		p.CashTendered, p.ChangeDue,
		p.TerminalAmount, p.CurrentCardNumber, p.TerminalReference,
		p.AuthCode, p.CardType, p.CardLast4,
		p.OrderID, p.OrderNumber, legsJSON,
		now, p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = now
	return nil
}

func (r *Postgres) CompleteIntent(ctx context.Context, p *domain.PaymentIntent, expectedVersion int64, order *domain.Order, event *OutboxEvent) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertOrder := `INSERT INTO orders (` + orderColumns + `)
	                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err = tx.ExecContext(ctx, insertOrder,
		order.ID, order.OrderNumber, order.IntentID, order.Channel, order.StoreID, order.LocationID,
		order.RegisterID, order.CustomerID, order.Status, order.PaymentStatus, order.Currency,
		order.Subtotal, order.Tax, order.Discount, order.Total, itemsJSON, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}

	if err := r.updateIntent(ctx, tx, p, expectedVersion); err != nil {
		return err
	}

	if event != nil {
		var id int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3) RETURNING id, created_at`,
			event.AggregateID, event.EventType, event.Payload,
		).Scan(&id, &event.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete intent: %w", err)
	}
	return nil
}

func (r *Postgres) ListStaleIntents(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents
	          WHERE status IN ('validating', 'processing', 'awaiting_terminal', 'approved') AND updated_at < $1
	          ORDER BY updated_at LIMIT $2`
	return r.queryIntents(ctx, query, updatedBefore, limit)
}

func (r *Postgres) GetStuckIntents(ctx context.Context, olderThan time.Duration) ([]*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents
	          WHERE status = 'saving' AND updated_at < $1
	          ORDER BY updated_at LIMIT 100`
	return r.queryIntents(ctx, query, time.Now().UTC().Add(-olderThan))
}

func (r *Postgres) queryIntents(ctx context.Context, query string, args ...any) ([]*domain.PaymentIntent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payment intents: %w", err)
	}
	defer rows.Close()

	var intents []*domain.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment intent row: %w", err)
		}
		intents = append(intents, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return intents, nil
}

func (r *Postgres) NextOrderNumber(ctx context.Context) (string, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('order_number_seq')`).Scan(&n); err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return formatOrderNumber(n), nil
}

func (r *Postgres) RecordAudit(ctx context.Context, entry *AuditEntry) error {
	detail := entry.Detail
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO intent_audit (intent_id, kind, detail) VALUES ($1, $2, $3) RETURNING id, created_at`,
		entry.IntentID, entry.Kind, []byte(detail),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert intent audit: %w", err)
	}
	return nil
}

func (r *Postgres) ListAudit(ctx context.Context, intentID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, intent_id, kind, detail, created_at FROM intent_audit WHERE intent_id = $1 ORDER BY id`, intentID)
	if err != nil {
		return nil, fmt.Errorf("query intent audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.IntentID, &e.Kind, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan intent audit row: %w", err)
		}
		e.Detail = detail
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}
	return o, nil
}

func (r *Postgres) GetOrderByIntent(ctx context.Context, intentID uuid.UUID) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE intent_id = $1`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, intentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by intent id: %w", err)
	}
	return o, nil
}

func (r *Postgres) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at FROM outbox_events
		 WHERE processed_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event row: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *Postgres) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

func (r *Postgres) GetTerminalConfig(ctx context.Context, registerID string) (*domain.TerminalConfig, error) {
	var cfg domain.TerminalConfig
	err := r.db.QueryRowContext(ctx,
		`SELECT register_id, terminal_id, vendor, endpoint, api_key, active, timeout_seconds
		 FROM terminal_configs WHERE register_id = $1`, registerID,
	).Scan(&cfg.RegisterID, &cfg.TerminalID, &cfg.Vendor, &cfg.Endpoint, &cfg.APIKey, &cfg.Active, &cfg.TimeoutSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTerminalConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query terminal config: %w", err)
	}
	return &cfg, nil
}

func (r *Postgres) UpsertTerminalConfig(ctx context.Context, cfg *domain.TerminalConfig) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO terminal_configs (register_id, terminal_id, vendor, endpoint, api_key, active, timeout_seconds, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (register_id) DO UPDATE SET
		     terminal_id = EXCLUDED.terminal_id, vendor = EXCLUDED.vendor, endpoint = EXCLUDED.endpoint,
		     api_key = EXCLUDED.api_key, active = EXCLUDED.active, timeout_seconds = EXCLUDED.timeout_seconds,
		     updated_at = NOW()`,
		cfg.RegisterID, cfg.TerminalID, cfg.Vendor, cfg.Endpoint, cfg.APIKey, cfg.Active, cfg.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert terminal config: %w", err)
	}
	return nil
}

func (r *Postgres) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, price, active FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

// CreateProduct is used by seeding and tests; the catalog itself is managed elsewhere.
func (r *Postgres) CreateProduct(ctx context.Context, p *Product) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO products (name, price, active) VALUES ($1, $2, $3) RETURNING id`,
		p.Name, p.Price, p.Active,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func marshalLegsItems(p *domain.PaymentIntent) ([]byte, []byte, error) {
	legs := p.Legs
	if legs == nil {
		legs = []domain.Leg{}
	}
	legsJSON, err := json.Marshal(legs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal intent legs: %w", err)
	}
	items := p.Items
	if items == nil {
		items = []domain.LineItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal intent items: %w", err)
	}
	return legsJSON, itemsJSON, nil
}
