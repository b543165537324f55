package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/realtime"
	"github.com/fjod/go_pos/internal/terminal"
)

// MockTerminal answers sales with Fn and records every call.
type MockTerminal struct {
	mu    sync.Mutex
	Fn    func(ctx context.Context, req terminal.SaleRequest) (*terminal.Result, error)
	Calls []terminal.SaleRequest
	At    []time.Time
}

func (m *MockTerminal) Sale(ctx context.Context, req terminal.SaleRequest) (*terminal.Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.At = append(m.At, time.Now())
	fn := m.Fn
	m.mu.Unlock()
	if fn == nil {
		return &terminal.Result{TransactionID: "TXN-1", AuthCode: "A123", CardType: "VISA", Last4: "4242"}, nil
	}
	return fn(ctx, req)
}

func (m *MockTerminal) Void(context.Context, string) error { return nil }

func (m *MockTerminal) Refund(context.Context, terminal.RefundRequest) (*terminal.Result, error) {
	return &terminal.Result{}, nil
}

func (m *MockTerminal) calls() []terminal.SaleRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]terminal.SaleRequest(nil), m.Calls...)
}

func (m *MockTerminal) times() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.At...)
}

// MockConfigSource serves terminal configs and counts lookups.
type MockConfigSource struct {
	mu      sync.Mutex
	Configs map[string]*domain.TerminalConfig
	Err     error
	Lookups int
}

func (m *MockConfigSource) GetTerminalConfig(_ context.Context, registerID string) (*domain.TerminalConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lookups++
	if m.Err != nil {
		return nil, m.Err
	}
	cfg, ok := m.Configs[registerID]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Code: codeNotFound, Message: "terminal config not found"}
	}
	c := *cfg
	return &c, nil
}

func (m *MockConfigSource) set(cfg *domain.TerminalConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Configs[cfg.RegisterID] = cfg
}

func (m *MockConfigSource) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MockConfigSource) lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Lookups
}

// MockAPI answers with canned values; nil funcs fail the call.
type MockAPI struct {
	mu        sync.Mutex
	CreateFn  func(req *domain.CreateIntentRequest) (*domain.CreateIntentResponse, error)
	GetFn     func(id uuid.UUID) (*domain.PaymentIntent, error)
	Reports   []*domain.TerminalReport
	ReportErr error
	Cancelled []uuid.UUID
}

func (m *MockAPI) CreateIntent(_ context.Context, req *domain.CreateIntentRequest) (*domain.CreateIntentResponse, error) {
	return m.CreateFn(req)
}

func (m *MockAPI) GetIntent(_ context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	if m.GetFn == nil {
		return nil, &APIError{Status: http.StatusNotFound, Code: codeNotFound}
	}
	return m.GetFn(id)
}

func (m *MockAPI) CancelIntent(_ context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, id)
	return &domain.PaymentIntent{ID: id, Status: domain.IntentStatusCancelled}, nil
}

func (m *MockAPI) ReportTerminalResult(_ context.Context, rep *domain.TerminalReport) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reports = append(m.Reports, rep)
	if m.ReportErr != nil {
		return nil, m.ReportErr
	}
	return &domain.PaymentIntent{ID: rep.IntentID, Status: domain.IntentStatusCompleted, Version: 99}, nil
}

func (m *MockAPI) reports() []*domain.TerminalReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.TerminalReport(nil), m.Reports...)
}

// MockChannels keeps subscribed handlers so tests can push events by hand.
type MockChannels struct {
	mu         sync.Mutex
	Handlers   map[string]realtime.Handler
	Filters    map[string]realtime.Filter
	Refreshers []func(ctx context.Context) error
}

func NewMockChannels() *MockChannels {
	return &MockChannels{Handlers: map[string]realtime.Handler{}, Filters: map[string]realtime.Filter{}}
}

func (m *MockChannels) Subscribe(_ context.Context, name string, f realtime.Filter, h realtime.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[name] = h
	m.Filters[name] = f
	return nil
}

func (m *MockChannels) Unsubscribe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Handlers, name)
}

func (m *MockChannels) OnResume(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Refreshers = append(m.Refreshers, fn)
}

// MockOrders is an OrderSource backed by a map.
type MockOrders struct {
	mu      sync.Mutex
	Orders  map[uuid.UUID]*domain.Order
	Fetches int
}

func NewMockOrders(orders ...*domain.Order) *MockOrders {
	m := &MockOrders{Orders: map[uuid.UUID]*domain.Order{}}
	for _, o := range orders {
		m.Orders[o.ID] = o
	}
	return m
}

func (m *MockOrders) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fetches++
	o, ok := m.Orders[id]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Code: codeNotFound, Message: "order not found"}
	}
	c := *o
	return &c, nil
}

func (m *MockOrders) put(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders[o.ID] = o
}

func (m *MockOrders) remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Orders, id)
}
