// Package memprov is the built-in in-memory cache provider: zero
// dependencies, always healthy, useful as the lowest-priority fallback for
// the adapter cache slot.
package memprov

import (
	"context"
	"sync"
	"time"

	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/registry"
)

// Symbol is the factory reference manifests and selections use.
const Symbol = "oneiric.providers:memory"

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a TTL map. The zero TTL means entries never expire.
type Cache struct {
	mu      sync.RWMutex
	data    map[string]entry
	closed  bool
	nowFunc func() time.Time
}

// New builds a cache. Settings are accepted for interface symmetry and
// ignored.
func New(_ context.Context, _ map[string]any) (any, error) {
	return &Cache{
		data:    make(map[string]entry),
		nowFunc: time.Now,
	}, nil
}

// Set stores a value with an optional TTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.nowFunc().Add(ttl)
	}
	c.data[key] = e
}

// Get returns the value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && c.nowFunc().After(e.expiresAt) {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// CheckHealth reports closed caches as unhealthy.
func (c *Cache) CheckHealth(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errClosed
	}
	return nil
}

// Close releases the map. Further writes are dropped.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.data = nil
	return nil
}

type closedError struct{}

func (closedError) Error() string { return "memory cache is closed" }

var errClosed = closedError{}

// Register adds the constructor to the catalog.
func Register(catalog *factory.Catalog) {
	catalog.Add(Symbol, New)
}

// Candidate is the built-in registration for the adapter cache slot.
func Candidate() registry.Candidate {
	return registry.Candidate{
		Domain:       registry.DomainAdapter,
		Key:          "cache",
		Provider:     "memory",
		Factory:      registry.FactorySpec{Symbol: Symbol},
		Priority:     registry.IntPtr(10),
		Source:       registry.SourceLocal,
		Capabilities: []string{"cache", "kv"},
	}
}
