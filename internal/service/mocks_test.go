package service

import (
	"context"
	"sync"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/carts"
)

// MockCarts implements CartSource for testing
type MockCarts struct {
	mu    sync.Mutex
	Carts map[string]*domain.Cart
	Err   error
	Calls int
}

func (m *MockCarts) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	c, ok := m.Carts[cartID]
	if !ok {
		return nil, carts.ErrCartNotFound
	}
	return c, nil
}
