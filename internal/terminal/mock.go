package terminal

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var declineReasons = []string{
	"insufficient funds",
	"card expired",
	"do not honor",
	"invalid card",
	"lost or stolen",
}

// Mock simulates a terminal for demos and load tests: it approves most sales, declines a
// few with a known reason and occasionally reports busy.
type Mock struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	latency time.Duration
	sales   map[string]*Result
}

func NewMock(latency time.Duration) *Mock {
	return &Mock{
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		latency: latency,
		sales:   make(map[string]*Result),
	}
}

func (m *Mock) Sale(ctx context.Context, req SaleRequest) (*Result, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// same reference id: the vendor returns the original authorization
	if res, ok := m.sales[req.ReferenceID]; ok {
		return res, nil
	}

	outcome := m.rnd.Intn(101) // 101 because Intn is exclusive of the upper bound
	res, err := calcOutcome(outcome)
	if err != nil {
		return nil, err
	}
	res.TransactionID = fmt.Sprintf("TXN-%d", time.Now().UnixNano())
	m.sales[req.ReferenceID] = res
	return res, nil
}

func (m *Mock) Void(ctx context.Context, transactionID string) error {
	return m.wait(ctx)
}

func (m *Mock) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return &Result{TransactionID: fmt.Sprintf("RFD-%d", time.Now().UnixNano())}, nil
}

func (m *Mock) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.latency):
		return nil
	}
}

// calcOutcome maps a 0..100 roll to a result: 0-91 approve, 92-95 busy, 96-100 decline.
func calcOutcome(roll int) (*Result, error) {
	switch {
	case roll < 92:
		return &Result{
			AuthCode: fmt.Sprintf("%06d", roll*7919%1000000),
			CardType: "VISA",
			Last4:    fmt.Sprintf("%04d", 4242+roll),
		}, nil
	case roll < 96:
		return nil, ErrBusy
	default:
		idx := roll - 96
		if idx >= len(declineReasons) {
			idx = len(declineReasons) - 1
		}
		return nil, &DeclineError{Reason: declineReasons[idx]}
	}
}
