package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/pkg/circuitbreaker"
)

const (
	VendorMock = "mock"

	defaultCallTimeout = 90 * time.Second
)

// Factory builds vendor clients from a register's terminal configuration. Each terminal gets
// its own breaker so one jammed device does not trip the others.
type Factory struct {
	vendors map[string]func(cfg domain.TerminalConfig) (Client, error)
}

func NewFactory() *Factory {
	f := &Factory{vendors: make(map[string]func(domain.TerminalConfig) (Client, error))}
	f.Register(VendorMock, func(domain.TerminalConfig) (Client, error) {
		return NewMock(1500 * time.Millisecond), nil
	})
	return f
}

func (f *Factory) Register(vendor string, build func(cfg domain.TerminalConfig) (Client, error)) {
	f.vendors[vendor] = build
}

func (f *Factory) New(cfg domain.TerminalConfig) (Client, error) {
	if !cfg.Active {
		return nil, fmt.Errorf("%w: terminal %s for register %s is inactive", ErrInvalidConfig, cfg.TerminalID, cfg.RegisterID)
	}
	if cfg.TerminalID == "" {
		return nil, fmt.Errorf("%w: register %s has no terminal id", ErrInvalidConfig, cfg.RegisterID)
	}
	build, ok := f.vendors[cfg.Vendor]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vendor %q", ErrInvalidConfig, cfg.Vendor)
	}
	c, err := build(cfg)
	if err != nil {
		return nil, err
	}

	timeout := defaultCallTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return NewGuarded(c, cfg.TerminalID, timeout), nil
}

// Guarded applies a per-call timeout and a circuit breaker that only counts transient errors.
type Guarded struct {
	next    Client
	timeout time.Duration
	breaker *circuitbreaker.Breaker[*Result]
}

func NewGuarded(next Client, name string, timeout time.Duration) *Guarded {
	return &Guarded{
		next:    next,
		timeout: timeout,
		breaker: circuitbreaker.New[*Result](circuitbreaker.Settings{
			Name:                "terminal-" + name,
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			IsFailure:           IsTransient,
		}),
	}
}

func (g *Guarded) Sale(ctx context.Context, req SaleRequest) (*Result, error) {
	return g.call(ctx, func(ctx context.Context) (*Result, error) {
		return g.next.Sale(ctx, req)
	})
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return g.call(ctx, func(ctx context.Context) (*Result, error) {
		return g.next.Refund(ctx, req)
	})
}

func (g *Guarded) Void(ctx context.Context, transactionID string) error {
	_, err := g.call(ctx, func(ctx context.Context) (*Result, error) {
		return nil, g.next.Void(ctx, transactionID)
	})
	return err
}

func (g *Guarded) call(ctx context.Context, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	res, err := g.breaker.Execute(func() (*Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		res, err := fn(callCtx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, g.timeout)
		}
		return res, err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return res, err
}
