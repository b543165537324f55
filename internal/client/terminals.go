package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/terminal"
	"github.com/fjod/go_pos/pkg/logger"
)

const DefaultTerminalTTL = 5 * time.Minute

// TerminalResolver finds the terminal attached to a register.
type TerminalResolver interface {
	Resolve(ctx context.Context, registerID string) (terminal.Client, error)
}

type TerminalConfigSource interface {
	GetTerminalConfig(ctx context.Context, registerID string) (*domain.TerminalConfig, error)
}

type terminalEntry struct {
	cfg     domain.TerminalConfig
	client  terminal.Client
	fetched time.Time
}

// Terminals looks terminal configuration up on the backend and keeps the built client for a
// fixed TTL. A client is rebuilt only when its configuration changed, so its breaker survives
// refreshes.
type Terminals struct {
	source  TerminalConfigSource
	factory *terminal.Factory
	ttl     time.Duration
	now     func() time.Time
	log     *logger.Logger

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*terminalEntry
}

func NewTerminals(source TerminalConfigSource, factory *terminal.Factory, ttl time.Duration, log *logger.Logger) *Terminals {
	if ttl <= 0 {
		ttl = DefaultTerminalTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Terminals{
		source:  source,
		factory: factory,
		ttl:     ttl,
		now:     time.Now,
		log:     log.WithComponent("terminals"),
		entries: make(map[string]*terminalEntry),
	}
}

func (t *Terminals) Resolve(ctx context.Context, registerID string) (terminal.Client, error) {
	if c, ok := t.cached(registerID); ok {
		return c, nil
	}

	v, err, _ := t.group.Do(registerID, func() (interface{}, error) {
		return t.refresh(ctx, registerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(terminal.Client), nil
}

// cached returns the register's client while it is within the TTL.
func (t *Terminals) cached(registerID string) (terminal.Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[registerID]
	if !ok || t.now().Sub(e.fetched) >= t.ttl {
		return nil, false
	}
	return e.client, true
}

func (t *Terminals) refresh(ctx context.Context, registerID string) (terminal.Client, error) {
	cfg, err := t.source.GetTerminalConfig(ctx, registerID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: no terminal configured for register %s", terminal.ErrInvalidConfig, registerID)
		}
		t.mu.Lock()
		e, ok := t.entries[registerID]
		t.mu.Unlock()
		if ok {
			t.log.Warn("terminal config refresh failed, using cached config",
				"register_id", registerID,
				"error", err,
			)
			return e.client, nil
		}
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[registerID]; ok && e.cfg == *cfg {
		e.fetched = t.now()
		return e.client, nil
	}

	c, err := t.factory.New(*cfg)
	if err != nil {
		delete(t.entries, registerID)
		return nil, err
	}
	t.entries[registerID] = &terminalEntry{cfg: *cfg, client: c, fetched: t.now()}
	t.log.Info("terminal resolved",
		"register_id", registerID,
		"terminal_id", cfg.TerminalID,
		"vendor", cfg.Vendor,
	)
	return c, nil
}

// Invalidate drops the cached terminal of a register.
func (t *Terminals) Invalidate(registerID string) {
	t.mu.Lock()
	delete(t.entries, registerID)
	t.mu.Unlock()
}
