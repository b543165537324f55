package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fjod/go_pos/domain"
)

const (
	cartBaseTTL     = 15 * time.Minute
	terminalBaseTTL = 5 * time.Minute
)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: cartBaseTTL,
	}
}

// RedisCache keeps priced server carts keyed by cart id.
type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r RedisCache) Get(ctx context.Context, cartID string) (*domain.Cart, error) {
	var cart domain.Cart
	if err := getJSON(ctx, r.client, cartKey(cartID), &cart); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (r RedisCache) Set(ctx context.Context, cartID string, cart *domain.Cart) error {
	// jitter spreads expiry so carts cached together do not all miss at once
	jitter := time.Duration(rand.Intn(5)) * time.Minute
	return setJSON(ctx, r.client, cartKey(cartID), cart, r.baseTTL+jitter)
}

func (r RedisCache) Delete(ctx context.Context, cartID string) error {
	if err := r.client.Del(ctx, cartKey(cartID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func NewTerminalConfigCache(client *redis.Client, ttl time.Duration) *RedisTerminalConfigCache {
	if ttl <= 0 {
		ttl = terminalBaseTTL
	}
	return &RedisTerminalConfigCache{client: client, ttl: ttl}
}

// RedisTerminalConfigCache holds terminal configs per register with a fixed TTL, so a changed
// binding is picked up within one TTL at the latest.
type RedisTerminalConfigCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (r RedisTerminalConfigCache) Get(ctx context.Context, registerID string) (*domain.TerminalConfig, error) {
	var cfg domain.TerminalConfig
	if err := getJSON(ctx, r.client, terminalKey(registerID), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r RedisTerminalConfigCache) Set(ctx context.Context, registerID string, cfg *domain.TerminalConfig) error {
	return setJSON(ctx, r.client, terminalKey(registerID), cfg, r.ttl)
}

func (r RedisTerminalConfigCache) Delete(ctx context.Context, registerID string) error {
	if err := r.client.Del(ctx, terminalKey(registerID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, client *redis.Client, key string, dst any) error {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s failed: %w", key, err)
	}
	return nil
}

func setJSON(ctx context.Context, client *redis.Client, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s failed: %w", key, err)
	}
	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func cartKey(cartID string) string {
	return fmt.Sprintf("cart:%s", cartID)
}

func terminalKey(registerID string) string {
	return fmt.Sprintf("terminal:%s", registerID)
}
