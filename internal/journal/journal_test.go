package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestJournal(t *testing.T) *Journal {
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func approved(intentID uuid.UUID, ref string, card *int) *Outcome {
	return &Outcome{
		IntentID:    intentID,
		ReferenceID: ref,
		CardNumber:  card,
		Amount:      decimal.RequireFromString("42.50"),
		Approved:    true,
		AuthCode:    "A123",
		CardType:    "visa",
		Last4:       "4242",
	}
}

func TestRecordAndGet(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	id := uuid.New()
	two := 2

	require.NoError(t, j.Record(ctx, approved(id, "ref-1", &two)))

	o, err := j.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, id, o.IntentID)
	assert.True(t, o.Amount.Equal(decimal.RequireFromString("42.50")))
	assert.True(t, o.Approved)
	assert.Equal(t, "A123", o.AuthCode)
	require.NotNil(t, o.CardNumber)
	assert.Equal(t, 2, *o.CardNumber)
	assert.Nil(t, o.ReportedAt)
	assert.False(t, o.RecordedAt.IsZero())

	_, err = j.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrOutcomeNotFound)
}

func TestRecord_FirstOutcomeWins(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, j.Record(ctx, approved(id, "ref-1", nil)))
	declined := &Outcome{IntentID: id, ReferenceID: "ref-1", Amount: decimal.NewFromInt(1), ErrorMessage: "declined"}
	require.NoError(t, j.Record(ctx, declined))

	o, err := j.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, o.Approved)
	assert.Nil(t, o.CardNumber)
}

func TestRecord_RequiresReference(t *testing.T) {
	j := setupTestJournal(t)
	assert.Error(t, j.Record(context.Background(), &Outcome{IntentID: uuid.New()}))
}

func TestPendingAndMarkReported(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	for i, ref := range []string{"ref-a", "ref-b", "ref-c"} {
		o := approved(uuid.New(), ref, nil)
		o.RecordedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, j.Record(ctx, o))
	}

	require.NoError(t, j.MarkReported(ctx, "ref-a", nil))
	require.NoError(t, j.MarkReported(ctx, "ref-c", errors.New("terminal report does not match the awaited leg")))

	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ref-b", pending[0].ReferenceID)

	c, err := j.Get(ctx, "ref-c")
	require.NoError(t, err)
	require.NotNil(t, c.ReportedAt)
	assert.Contains(t, c.ReportError, "does not match")

	assert.ErrorIs(t, j.MarkReported(ctx, "missing", nil), ErrOutcomeNotFound)
}

func TestPrune(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	a := approved(uuid.New(), "old-reported", nil)
	a.RecordedAt = old
	b := approved(uuid.New(), "old-pending", nil)
	b.RecordedAt = old
	require.NoError(t, j.Record(ctx, a))
	require.NoError(t, j.Record(ctx, b))
	require.NoError(t, j.Record(ctx, approved(uuid.New(), "fresh", nil)))
	require.NoError(t, j.MarkReported(ctx, "old-reported", nil))
	require.NoError(t, j.MarkReported(ctx, "fresh", nil))

	n, err := j.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = j.Get(ctx, "old-pending")
	assert.NoError(t, err, "unreported outcomes are never pruned")
	_, err = j.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestReport(t *testing.T) {
	id := uuid.New()
	one := 1
	rep := approved(id, "ref-9", &one).Report()
	assert.Equal(t, id, rep.IntentID)
	assert.Equal(t, "ref-9", rep.ReferenceID)
	assert.Equal(t, &one, rep.CardNumber)
	assert.True(t, rep.Approved)
}

func TestOpen_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, approved(uuid.New(), "ref-1", nil)))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	pending, err := j.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
