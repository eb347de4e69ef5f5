package redisprov

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	v, err := New(context.Background(), map[string]any{"addr": srv.Addr()})
	require.NoError(t, err)
	c := v.(*Cache)
	t.Cleanup(func() { _ = c.Cleanup(context.Background()) })
	return c
}

func TestRoundtrip(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	v, found, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", v)

	require.NoError(t, c.Delete(ctx, "a"))
	_, found, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHealth(t *testing.T) {
	c := newCache(t)
	assert.NoError(t, c.CheckHealth(context.Background()))
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, err := New(context.Background(), map[string]any{"adress": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestDurationSettingDecodes(t *testing.T) {
	srv := miniredis.RunT(t)
	v, err := New(context.Background(), map[string]any{
		"addr":         srv.Addr(),
		"dial_timeout": "2s",
	})
	require.NoError(t, err)
	c := v.(*Cache)
	defer c.Cleanup(context.Background()) //nolint:errcheck
	assert.NoError(t, c.CheckHealth(context.Background()))
}

func TestCandidateValidates(t *testing.T) {
	cand := Candidate()
	require.NoError(t, cand.Validate())
	assert.Equal(t, SettingsModel, cand.Metadata["settings_model"])
}
