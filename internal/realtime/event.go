// Package realtime fans row change events out to subscribers. Events originate from Postgres
// LISTEN/NOTIFY (or the memory repository) and reach remote devices over server-sent events.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
)

const (
	TablePaymentIntents = "payment_intents"
	TableOrders         = "orders"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

var ErrSchemaMismatch = errors.New("realtime payload does not match schema")

// Event is one row change. Record and OldRecord are raw row JSON; use the Decode helpers to
// turn them into domain values.
type Event struct {
	Table      string          `json:"table"`
	Type       EventType       `json:"type"`
	Record     json.RawMessage `json:"record,omitempty"`
	OldRecord  json.RawMessage `json:"old_record,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// Filter scopes a subscription to one table, optionally narrowed by column equality.
type Filter struct {
	Table  string
	Column string
	Value  string
}

func (f Filter) String() string {
	if f.Column == "" {
		return f.Table
	}
	return fmt.Sprintf("%s:%s=eq.%s", f.Table, f.Column, f.Value)
}

// Matches compares the filter column against the new record, falling back to the old record
// for deletes.
func (f Filter) Matches(e Event) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	rec := e.Record
	if len(rec) == 0 {
		rec = e.OldRecord
	}
	var row map[string]any
	if err := json.Unmarshal(rec, &row); err != nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// DecodeIntent decodes a payment_intents row. Unknown columns and missing ids are rejected
// so a schema drift shows up as an error instead of a half-filled intent.
func DecodeIntent(e Event) (*domain.PaymentIntent, error) {
	if e.Table != TablePaymentIntents {
		return nil, fmt.Errorf("%w: table %q", ErrSchemaMismatch, e.Table)
	}
	var p domain.PaymentIntent
	if err := strictDecode(e.Record, &p); err != nil {
		return nil, err
	}
	if p.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing intent id", ErrSchemaMismatch)
	}
	if !p.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrSchemaMismatch, p.Status)
	}
	return &p, nil
}

// DecodeOrderRow decodes an orders row. Rows from the trigger carry no items; the caller is
// expected to re-fetch the full order.
func DecodeOrderRow(e Event) (*domain.Order, error) {
	if e.Table != TableOrders {
		return nil, fmt.Errorf("%w: table %q", ErrSchemaMismatch, e.Table)
	}
	var o domain.Order
	if err := strictDecode(e.Record, &o); err != nil {
		return nil, err
	}
	if o.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing order id", ErrSchemaMismatch)
	}
	return &o, nil
}

func strictDecode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty record", ErrSchemaMismatch)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return nil
}

// RowEvent builds an event from a row value the way the database triggers do: the
// serialized row goes into Record (or OldRecord for deletes).
func RowEvent(table string, typ EventType, row any, at time.Time) (Event, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	e := Event{Table: table, Type: typ, CommitTime: at}
	if typ == EventDelete {
		e.OldRecord = raw
	} else {
		e.Record = raw
	}
	return e, nil
}
