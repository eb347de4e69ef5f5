package memprov

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	v, err := New(context.Background(), nil)
	require.NoError(t, err)
	return v.(*Cache)
}

func TestSetGetDelete(t *testing.T) {
	c := newCache(t)
	c.Set("a", 1, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := newCache(t)
	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	c.Set("a", 1, time.Minute)
	_, ok := c.Get("a")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry is removed on read")
}

func TestCloseMakesUnhealthy(t *testing.T) {
	c := newCache(t)
	require.NoError(t, c.CheckHealth(context.Background()))
	require.NoError(t, c.Close())
	assert.Error(t, c.CheckHealth(context.Background()))

	// writes after close are dropped, not panics
	c.Set("a", 1, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCandidateValidates(t *testing.T) {
	cand := Candidate()
	require.NoError(t, cand.Validate())
	assert.Equal(t, Symbol, cand.Factory.Symbol)
}
