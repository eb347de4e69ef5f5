package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric/oneiric/internal/config"
	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/registry"
)

type memCache struct {
	closed bool
}

func (m *memCache) Close() error {
	m.closed = true
	return nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Activity.StorePath = filepath.Join(dir, "activity.json")
	cfg.Status.Dir = filepath.Join(dir, "status")
	cfg.Remote.CacheDir = filepath.Join(dir, "artifacts")
	cfg.Watchers.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.FactoryAllowlist = []string{"oneiric."}
	return cfg
}

func newRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	catalog := factory.NewCatalog()
	catalog.Add("oneiric.providers:memory", func(context.Context, map[string]any) (any, error) {
		return &memCache{}, nil
	})
	rt := New(cfg, catalog, nil)

	_, err := rt.Registry().Register(registry.Candidate{
		Domain:   registry.DomainAdapter,
		Key:      "cache",
		Provider: "memory",
		Factory:  registry.FactorySpec{Symbol: "oneiric.providers:memory"},
		Source:   registry.SourceLocal,
	})
	require.NoError(t, err)
	return rt
}

func TestActivateSelections(t *testing.T) {
	cfg := testConfig(t)
	cfg.Selections = map[string]map[string]string{
		"adapter": {"cache": "memory"},
	}
	rt := newRuntime(t, cfg)

	require.NoError(t, rt.ActivateSelections(context.Background()))

	h, ok := rt.Manager().Current(registry.DomainAdapter, "cache")
	require.True(t, ok)
	assert.Equal(t, "memory", h.Provider)

	// the status snapshot is on disk for the next process
	doc, err := rt.Status().Read(registry.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.Equal(t, "ready", doc.State)
}

func TestActivateSelectionsCollectsFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Selections = map[string]map[string]string{
		"adapter": {"cache": "memory", "queue": "ghost"},
	}
	rt := newRuntime(t, cfg)

	err := rt.ActivateSelections(context.Background())
	require.Error(t, err, "unknown provider for queue must be reported")

	// the healthy slot still came up
	_, ok := rt.Manager().Current(registry.DomainAdapter, "cache")
	assert.True(t, ok)
}

func TestRunStopsOnCancelAndCleansUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Selections = map[string]map[string]string{
		"adapter": {"cache": "memory"},
	}
	rt := newRuntime(t, cfg)
	require.NoError(t, rt.ActivateSelections(context.Background()))

	h, _ := rt.Manager().Current(registry.DomainAdapter, "cache")
	inst := h.Instance.(*memCache)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.True(t, inst.closed, "shutdown must clean up live instances")
}

func TestServerlessOneShotRemoteSync(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.yaml")
	doc := "source: fleet\nentries:\n  - domain: adapter\n    key: cache\n    provider: memory\n    factory: \"oneiric.providers:memory\"\n"
	require.NoError(t, os.WriteFile(manifest, []byte(doc), 0o600))

	cfg := testConfig(t)
	cfg.Profile = config.ProfileServerless
	cfg.Remote.Enabled = true
	cfg.Remote.ManifestURL = manifest
	cfg.ApplyProfile()

	rt := New(cfg, factory.NewCatalog(), nil)
	rt.Catalog().Add("oneiric.providers:memory", func(context.Context, map[string]any) (any, error) {
		return &memCache{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Run(ctx), "one-shot sync should finish on its own")

	cands := rt.Registry().Lookup(registry.DomainAdapter, "cache")
	require.Len(t, cands, 1)
	assert.Equal(t, registry.SourceRemote, cands[0].Source)
}

func TestRestartRestoresActivityFlags(t *testing.T) {
	cfg := testConfig(t)
	rt := newRuntime(t, cfg)
	require.NoError(t, rt.Bridge(registry.DomainAdapter).Pause(context.Background(), "cache", "hold"))

	// a second runtime over the same store sees the flag
	rt2 := newRuntime(t, cfg)
	flags := rt2.Bridge(registry.DomainAdapter).Activity("cache")
	assert.True(t, flags.Paused)
	assert.Equal(t, "hold", flags.Note)
}
