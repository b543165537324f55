package terminal

import (
	"context"
	"sync"
)

// ScriptedClient returns the queued outcomes of Sale in order, repeating the last one.
type ScriptedClient struct {
	mu       sync.Mutex
	Outcomes []ScriptedOutcome
	Calls    []SaleRequest
	Voids    []string
}

type ScriptedOutcome struct {
	Result *Result
	Err    error
}

func (s *ScriptedClient) Sale(ctx context.Context, req SaleRequest) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)
	if len(s.Outcomes) == 0 {
		return &Result{TransactionID: "TXN-1", AuthCode: "A1"}, nil
	}
	idx := len(s.Calls) - 1
	if idx >= len(s.Outcomes) {
		idx = len(s.Outcomes) - 1
	}
	o := s.Outcomes[idx]
	return o.Result, o.Err
}

func (s *ScriptedClient) Void(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Voids = append(s.Voids, transactionID)
	return nil
}

func (s *ScriptedClient) Refund(context.Context, RefundRequest) (*Result, error) {
	return &Result{TransactionID: "RFD-1"}, nil
}

func (s *ScriptedClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// blockingClient waits for the context to end.
type blockingClient struct{}

func (blockingClient) Sale(ctx context.Context, _ SaleRequest) (*Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingClient) Void(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingClient) Refund(ctx context.Context, _ RefundRequest) (*Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
