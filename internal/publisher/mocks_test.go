package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/fjod/go_pos/domain"
	r "github.com/fjod/go_pos/internal/repository"
)

type MockRepository struct {
	mu                 sync.Mutex
	OutboxEvents       []*r.OutboxEvent
	GetEventsErr       error
	ProcessedIDs       []int64
	StuckIntents       []*domain.PaymentIntent
	GetStuckIntentsErr error
	StuckOlderThan     time.Duration
}

func (m *MockRepository) GetUnprocessedEvents(context.Context, int) ([]*r.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetEventsErr != nil {
		return nil, m.GetEventsErr
	}
	var out []*r.OutboxEvent
	for _, e := range m.OutboxEvents {
		if e.ProcessedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockRepository) MarkEventAsProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, e := range m.OutboxEvents {
		if e.ID == id {
			e.ProcessedAt = &now
		}
	}
	m.ProcessedIDs = append(m.ProcessedIDs, id)
	return nil
}

func (m *MockRepository) GetStuckIntents(_ context.Context, olderThan time.Duration) ([]*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StuckOlderThan = olderThan
	if m.GetStuckIntentsErr != nil {
		return nil, m.GetStuckIntentsErr
	}
	return m.StuckIntents, nil
}

func (m *MockRepository) processed() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.ProcessedIDs...)
}

type MockRecoverer struct {
	mu        sync.Mutex
	Err       error
	Recovered []uuid.UUID
}

func (m *MockRecoverer) Recover(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Recovered = append(m.Recovered, id)
	return m.Err
}

type MockWriter struct {
	mu       sync.Mutex
	Messages []kafka.Message
	// FailAfter makes every write after the first n fail
	FailAfter int
	Err       error
}

func (m *MockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil && len(m.Messages) >= m.FailAfter {
		return m.Err
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockWriter) Close() error { return nil }
