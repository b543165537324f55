package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_pos/domain"
)

type CartCache interface {
	Get(ctx context.Context, cartID string) (*domain.Cart, error)
	Set(ctx context.Context, cartID string, cart *domain.Cart) error
	Delete(ctx context.Context, cartID string) error
}

type TerminalConfigCache interface {
	Get(ctx context.Context, registerID string) (*domain.TerminalConfig, error)
	Set(ctx context.Context, registerID string, cfg *domain.TerminalConfig) error
	Delete(ctx context.Context, registerID string) error
}

var ErrCacheMiss = errors.New("cache miss")
