package cache

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/fjod/go_pos/domain"
	"github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/pkg/logger"
)

// TerminalConfigs is a read-through view of terminal configs: Redis first, then the database.
type TerminalConfigs struct {
	repo  repository.TerminalConfigRepository
	cache TerminalConfigCache
	sfg   singleflight.Group
	log   *logger.Logger
}

func NewTerminalConfigs(repo repository.TerminalConfigRepository, cache TerminalConfigCache, log *logger.Logger) *TerminalConfigs {
	if log == nil {
		log = logger.Nop()
	}
	return &TerminalConfigs{repo: repo, cache: cache, log: log.WithComponent("terminal-configs")}
}

func (t *TerminalConfigs) GetTerminalConfig(ctx context.Context, registerID string) (*domain.TerminalConfig, error) {
	v, err, _ := t.sfg.Do(registerID, func() (interface{}, error) {
		cfg, err := t.cache.Get(ctx, registerID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			t.log.WarnContext(ctx, "terminal config cache get failed", "register_id", registerID, "error", err)
		}

		cfg, err = t.repo.GetTerminalConfig(ctx, registerID)
		if err != nil {
			return nil, err
		}
		if err := t.cache.Set(ctx, registerID, cfg); err != nil {
			t.log.WarnContext(ctx, "terminal config cache set failed", "register_id", registerID, "error", err)
		}
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.TerminalConfig), nil
}

func (t *TerminalConfigs) UpsertTerminalConfig(ctx context.Context, cfg *domain.TerminalConfig) error {
	if err := t.repo.UpsertTerminalConfig(ctx, cfg); err != nil {
		return err
	}
	if err := t.cache.Delete(ctx, cfg.RegisterID); err != nil {
		t.log.WarnContext(ctx, "terminal config cache invalidate failed", "register_id", cfg.RegisterID, "error", err)
	}
	return nil
}

var _ repository.TerminalConfigRepository = (*TerminalConfigs)(nil)
