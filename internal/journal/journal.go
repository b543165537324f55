// Package journal keeps the device's record of terminal outcomes in a local sqlite file. An
// outcome is written before it is reported to the backend, so a crash between the terminal
// approving a charge and the backend hearing about it never loses the approval.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/fjod/go_pos/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrOutcomeNotFound = errors.New("terminal outcome not found")

type Outcome struct {
	IntentID     uuid.UUID
	ReferenceID  string
	CardNumber   *int
	Amount       decimal.Decimal
	Approved     bool
	AuthCode     string
	CardType     string
	Last4        string
	ErrorMessage string
	RecordedAt   time.Time
	ReportedAt   *time.Time
	// ReportError is set when the backend rejected the report, e.g. as stale.
	ReportError string
}

// Report builds the backend report for the outcome.
func (o *Outcome) Report() *domain.TerminalReport {
	return &domain.TerminalReport{
		IntentID:     o.IntentID,
		Approved:     o.Approved,
		AuthCode:     o.AuthCode,
		CardType:     o.CardType,
		Last4:        o.Last4,
		ReferenceID:  o.ReferenceID,
		CardNumber:   o.CardNumber,
		ErrorMessage: o.ErrorMessage,
	}
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the journal at path and migrates it. ":memory:" gives a throwaway
// journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one connection: sqlite has a single writer and :memory: is per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{db: db, now: time.Now}
	if err := j.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) runMigrations() error {
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores an outcome. Recording the same reference twice keeps the first outcome: a
// terminal answers a reference once.
func (j *Journal) Record(ctx context.Context, o *Outcome) error {
	if o.ReferenceID == "" {
		return errors.New("terminal outcome without reference id")
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = j.now()
	}
	var card sql.NullInt64
	if o.CardNumber != nil {
		card = sql.NullInt64{Int64: int64(*o.CardNumber), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO terminal_outcomes
			(reference_id, intent_id, card_number, amount, approved, auth_code, card_type, last4, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (reference_id) DO NOTHING`,
		o.ReferenceID, o.IntentID.String(), card, o.Amount.String(), o.Approved,
		o.AuthCode, o.CardType, o.Last4, o.ErrorMessage, o.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record terminal outcome %s: %w", o.ReferenceID, err)
	}
	return nil
}

func (j *Journal) Get(ctx context.Context, referenceID string) (*Outcome, error) {
	row := j.db.QueryRowContext(ctx, selectOutcome+` WHERE reference_id = ?`, referenceID)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOutcomeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get terminal outcome %s: %w", referenceID, err)
	}
	return o, nil
}

// MarkReported closes an outcome once the backend answered. reportErr carries a rejection
// (stale report) for reconciliation; nil means accepted.
func (j *Journal) MarkReported(ctx context.Context, referenceID string, reportErr error) error {
	msg := ""
	if reportErr != nil {
		msg = reportErr.Error()
	}
	res, err := j.db.ExecContext(ctx,
		`UPDATE terminal_outcomes SET reported_at = ?, report_error = ? WHERE reference_id = ?`,
		j.now().UnixMilli(), msg, referenceID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outcome %s reported: %w", referenceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark outcome %s reported: %w", referenceID, err)
	}
	if n == 0 {
		return ErrOutcomeNotFound
	}
	return nil
}

// Pending lists outcomes never acknowledged by the backend, oldest first.
func (j *Journal) Pending(ctx context.Context) ([]*Outcome, error) {
	rows, err := j.db.QueryContext(ctx, selectOutcome+` WHERE reported_at IS NULL ORDER BY recorded_at, reference_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outcomes: %w", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// Prune drops reported outcomes older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM terminal_outcomes WHERE reported_at IS NOT NULL AND recorded_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}

const selectOutcome = `
	SELECT reference_id, intent_id, card_number, amount, approved, auth_code, card_type, last4,
	       error_message, recorded_at, reported_at, report_error
	FROM terminal_outcomes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*Outcome, error) {
	var (
		o          Outcome
		intentID   string
		card       sql.NullInt64
		amount     string
		recordedAt int64
		reportedAt sql.NullInt64
	)
	err := row.Scan(&o.ReferenceID, &intentID, &card, &amount, &o.Approved, &o.AuthCode, &o.CardType,
		&o.Last4, &o.ErrorMessage, &recordedAt, &reportedAt, &o.ReportError)
	if err != nil {
		return nil, err
	}

	if o.IntentID, err = uuid.Parse(intentID); err != nil {
		return nil, fmt.Errorf("bad intent id %q: %w", intentID, err)
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	if card.Valid {
		n := int(card.Int64)
		o.CardNumber = &n
	}
	o.RecordedAt = time.UnixMilli(recordedAt)
	if reportedAt.Valid {
		t := time.UnixMilli(reportedAt.Int64)
		o.ReportedAt = &t
	}
	return &o, nil
}
