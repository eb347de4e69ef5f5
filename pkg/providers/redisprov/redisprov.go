// Package redisprov is the built-in Redis cache provider for the adapter
// domain, backed by go-redis.
package redisprov

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/registry"
)

// Symbol is the factory reference manifests and selections use.
const Symbol = "oneiric.providers:redis"

// SettingsModel is the settings model name candidates declare.
const SettingsModel = "redis-cache"

// Settings is the validated shape of provider_settings for this provider.
type Settings struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// NewSettings is the prototype constructor registered on the adapter bridge.
func NewSettings() any { return &Settings{} }

// Cache wraps a Redis client behind the lifecycle surfaces.
type Cache struct {
	client *redis.Client
}

// New decodes settings and opens the client. The connection is verified by
// the health probe that follows construction, not here.
func New(_ context.Context, raw map[string]any) (any, error) {
	var s Settings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &s,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("redis settings: %w", err)
	}
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         s.Addr,
		Password:     s.Password,
		DB:           s.DB,
		PoolSize:     s.PoolSize,
		MinIdleConns: s.MinIdleConns,
		DialTimeout:  s.DialTimeout,
	})
	return &Cache{client: client}, nil
}

// Set stores a value with an optional TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the string value for key. A missing key reports found=false.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// CheckHealth pings the server.
func (c *Cache) CheckHealth(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Cleanup closes the client.
func (c *Cache) Cleanup(_ context.Context) error {
	return c.client.Close()
}

// Register adds the constructor to the catalog.
func Register(catalog *factory.Catalog) {
	catalog.Add(Symbol, New)
}

// Candidate is the built-in registration for the adapter cache slot. It
// outranks the memory provider when both are registered.
func Candidate() registry.Candidate {
	return registry.Candidate{
		Domain:       registry.DomainAdapter,
		Key:          "cache",
		Provider:     "redis",
		Factory:      registry.FactorySpec{Symbol: Symbol},
		Priority:     registry.IntPtr(50),
		Source:       registry.SourceLocal,
		Capabilities: []string{"cache", "kv", "distributed"},
		Metadata:     map[string]string{"settings_model": SettingsModel},
	}
}
