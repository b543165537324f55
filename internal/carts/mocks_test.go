package carts

import (
	"context"
	"sync"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/cache"
	"github.com/fjod/go_pos/internal/repository"
)

func cloneCart(c *domain.Cart) *domain.Cart {
	cp := *c
	cp.Items = append([]domain.LineItem(nil), c.Items...)
	return &cp
}

type MockRepository struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart
	Err   error
	Saves int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{carts: make(map[string]*domain.Cart)}
}

func (m *MockRepository) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	c, ok := m.carts[cartID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return cloneCart(c), nil
}

func (m *MockRepository) ListCarts(_ context.Context, locationID string) ([]*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Cart
	for _, c := range m.carts {
		if c.LocationID == locationID {
			out = append(out, cloneCart(c))
		}
	}
	return out, nil
}

func (m *MockRepository) SaveCart(_ context.Context, cart *domain.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Saves++
	m.carts[cart.ID] = cloneCart(cart)
	return nil
}

func (m *MockRepository) DeleteCart(_ context.Context, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.carts[cartID]; !ok {
		return ErrCartNotFound
	}
	delete(m.carts, cartID)
	return nil
}

type MockCache struct {
	mu      sync.Mutex
	carts   map[string]*domain.Cart
	Gets    int
	Deletes int
}

func NewMockCache() *MockCache {
	return &MockCache{carts: make(map[string]*domain.Cart)}
}

func (m *MockCache) Get(_ context.Context, cartID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gets++
	c, ok := m.carts[cartID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return cloneCart(c), nil
}

func (m *MockCache) Set(_ context.Context, cartID string, cart *domain.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[cartID] = cloneCart(cart)
	return nil
}

func (m *MockCache) Delete(_ context.Context, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes++
	delete(m.carts, cartID)
	return nil
}

func (m *MockCache) has(cartID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.carts[cartID]
	return ok
}

type MockProducts struct {
	Products map[int64]*repository.Product
}

func (m *MockProducts) GetProduct(_ context.Context, id int64) (*repository.Product, error) {
	p, ok := m.Products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}
