package http

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/carts"
)

type MockIntentService struct {
	mu         sync.Mutex
	CreateResp *domain.CreateIntentResponse
	Intent     *domain.PaymentIntent
	Err        error
	LastCreate *domain.CreateIntentRequest
	LastReport *domain.TerminalReport
	Cancelled  []uuid.UUID
}

func (m *MockIntentService) Create(_ context.Context, req *domain.CreateIntentRequest) (*domain.CreateIntentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastCreate = req
	if m.Err != nil {
		return nil, m.Err
	}
	return m.CreateResp, nil
}

func (m *MockIntentService) Get(_ context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	p := *m.Intent
	p.ID = id
	return &p, nil
}

func (m *MockIntentService) Cancel(_ context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cancelled = append(m.Cancelled, id)
	if m.Err != nil {
		return nil, m.Err
	}
	return &domain.PaymentIntent{ID: id, Status: domain.IntentStatusCancelled}, nil
}

func (m *MockIntentService) ReportTerminalResult(_ context.Context, rep *domain.TerminalReport) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastReport = rep
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Intent, nil
}

type MockOrders struct {
	Order    *domain.Order
	Terminal *domain.TerminalConfig
	Err      error
}

func (m *MockOrders) GetOrder(context.Context, uuid.UUID) (*domain.Order, error) {
	return m.Order, m.Err
}

func (m *MockOrders) GetTerminalConfig(context.Context, string) (*domain.TerminalConfig, error) {
	return m.Terminal, m.Err
}

type MockCarts struct {
	Cart         *domain.Cart
	Err          error
	LastCartID   string
	LastLocation string
	LastAdd      carts.AddItemRequest
	LastQuantity int32
	LastProduct  int64
	LastCode     string
	Cleared      bool
}

func (m *MockCarts) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	m.LastCartID = cartID
	return m.Cart, m.Err
}

func (m *MockCarts) ListCarts(_ context.Context, locationID string) ([]*domain.Cart, error) {
	m.LastLocation = locationID
	if m.Err != nil || m.Cart == nil {
		return nil, m.Err
	}
	return []*domain.Cart{m.Cart}, nil
}

func (m *MockCarts) AddItem(_ context.Context, cartID string, req carts.AddItemRequest) (*domain.Cart, error) {
	m.LastCartID, m.LastAdd = cartID, req
	return m.Cart, m.Err
}

func (m *MockCarts) UpdateQuantity(_ context.Context, cartID string, productID int64, quantity int32) (*domain.Cart, error) {
	m.LastCartID, m.LastProduct, m.LastQuantity = cartID, productID, quantity
	return m.Cart, m.Err
}

func (m *MockCarts) RemoveItem(_ context.Context, cartID string, productID int64) (*domain.Cart, error) {
	m.LastCartID, m.LastProduct = cartID, productID
	return m.Cart, m.Err
}

func (m *MockCarts) ApplyDiscount(_ context.Context, cartID, code string) (*domain.Cart, error) {
	m.LastCartID, m.LastCode = cartID, code
	return m.Cart, m.Err
}

func (m *MockCarts) ClearCart(_ context.Context, cartID string) error {
	m.LastCartID = cartID
	m.Cleared = m.Err == nil
	return m.Err
}
