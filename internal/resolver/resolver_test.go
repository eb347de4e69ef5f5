package resolver

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric/oneiric/internal/registry"
	oerr "github.com/oneiric/oneiric/pkg/errors"
	"github.com/oneiric/oneiric/pkg/observe"
)

func nopFactory() registry.FactorySpec {
	return registry.FactorySpec{Fn: func(_ context.Context, _ map[string]any) (any, error) {
		return struct{}{}, nil
	}}
}

func register(t *testing.T, reg *registry.Registry, c registry.Candidate) {
	t.Helper()
	c.Factory = nopFactory()
	_, err := reg.Register(c)
	require.NoError(t, err)
}

func newResolver(t *testing.T, cfg Config) (*registry.Registry, *Resolver) {
	t.Helper()
	reg := registry.New(nil, nil)
	return reg, New(reg, cfg, nil, nil, nil)
}

func TestStackLevelPrecedence(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis", StackLevel: 10})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "memcached", StackLevel: 5})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
	require.NoError(t, err)
	assert.Equal(t, "redis", res.Selected.Provider)
	require.Len(t, res.Shadowed, 1)
	assert.Equal(t, "memcached", res.Shadowed[0].Provider)

	var shadowEntry Considered
	for _, c := range res.Trace.Considered {
		if c.Provider == "memcached" {
			shadowEntry = c
		}
	}
	assert.True(t, shadowEntry.Shadowed)
	assert.Equal(t, "stack_level 5 < 10", shadowEntry.Reason)
}

func TestOverrideFlipsSelection(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis", StackLevel: 10})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "memcached", StackLevel: 5})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{Override: "memcached"})
	require.NoError(t, err)
	assert.Equal(t, "memcached", res.Selected.Provider)

	for _, c := range res.Trace.Considered {
		if c.Provider == "memcached" {
			assert.Equal(t, 1, c.Score.OverrideMatch)
		} else {
			assert.Equal(t, 0, c.Score.OverrideMatch)
		}
	}
}

func TestCapabilityFiltering(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{
		Domain: registry.DomainAdapter, Key: "cache", Provider: "redis",
		Capabilities: []string{"ttl", "pubsub"},
	})
	register(t, reg, registry.Candidate{
		Domain: registry.DomainAdapter, Key: "cache", Provider: "memcached",
		Capabilities: []string{"ttl"}, StackLevel: 50,
	})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{Capabilities: []string{"ttl", "pubsub"}})
	require.NoError(t, err)
	assert.Equal(t, "redis", res.Selected.Provider)
	require.Len(t, res.Shadowed, 1)
	assert.Equal(t, "memcached", res.Shadowed[0].Provider)
}

func TestNoCapableCandidate(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis"})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{Capabilities: []string{"vector-search"}})
	assert.ErrorIs(t, err, oerr.ErrNoCapableCandidate)
	// trace still lists the shadowed candidate for diagnosis
	require.Len(t, res.Trace.Considered, 1)
	assert.True(t, res.Trace.Considered[0].Shadowed)
}

func TestNoCandidate(t *testing.T) {
	_, r := newResolver(t, Config{})
	_, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
	assert.ErrorIs(t, err, oerr.ErrNoCandidate)
}

func TestUnknownOverrideStrict(t *testing.T) {
	reg, r := newResolver(t, Config{StrictOverrides: true})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis"})

	_, err := r.Resolve(registry.DomainAdapter, "cache", Options{Override: "etcd"})
	assert.ErrorIs(t, err, oerr.ErrUnknownProviderOverride)
}

func TestUnknownOverrideLenient(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis"})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{Override: "etcd"})
	require.NoError(t, err)
	assert.Equal(t, "redis", res.Selected.Provider)
	assert.Empty(t, res.Trace.Override)
}

func TestExplicitPriorityBeatsStackLevel(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{
		Domain: registry.DomainAdapter, Key: "cache", Provider: "redis",
		Priority: registry.IntPtr(100), StackLevel: 0,
	})
	register(t, reg, registry.Candidate{
		Domain: registry.DomainAdapter, Key: "cache", Provider: "memcached",
		StackLevel: 90,
	})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
	require.NoError(t, err)
	assert.Equal(t, "redis", res.Selected.Provider)

	for _, c := range res.Trace.Considered {
		if c.Provider == "redis" {
			assert.Equal(t, PriorityExplicit, c.PriorityFrom)
		} else {
			assert.Equal(t, PriorityDefault, c.PriorityFrom)
		}
	}
}

func TestPrioritySourceApplies(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis"})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "memcached"})

	stack := func(provider string) (int, bool) {
		if provider == "redis" {
			return 40, true
		}
		return 0, false
	}
	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{Priority: stack})
	require.NoError(t, err)
	assert.Equal(t, "redis", res.Selected.Provider)

	for _, c := range res.Trace.Considered {
		if c.Provider == "redis" {
			assert.Equal(t, PriorityEnv, c.PriorityFrom)
			assert.Equal(t, 40, c.Score.Priority)
		}
	}
}

func TestLatestSequenceWinsOnEqualScores(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "first"})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "second"})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Selected.Provider)
}

func TestResolveIsDeterministic(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis", StackLevel: 3})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "memcached", StackLevel: 7})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "inmem", Priority: registry.IntPtr(-5)})

	first, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
		require.NoError(t, err)
		assert.Equal(t, first.Selected.Provider, again.Selected.Provider)
		assert.Equal(t, first.Trace, again.Trace)
	}
}

func TestResolveOutcomesCounted(t *testing.T) {
	metrics := observe.NewMetrics()
	reg := registry.New(nil, nil)
	r := New(reg, Config{StrictOverrides: true}, nil, nil, metrics)

	_, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
	require.ErrorIs(t, err, oerr.ErrNoCandidate)

	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "redis"})
	_, err = r.Resolve(registry.DomainAdapter, "cache", Options{})
	require.NoError(t, err)
	_, err = r.Resolve(registry.DomainAdapter, "cache", Options{Override: "etcd"})
	require.ErrorIs(t, err, oerr.ErrUnknownProviderOverride)
	_, err = r.Resolve(registry.DomainAdapter, "cache", Options{Capabilities: []string{"pubsub"}})
	require.ErrorIs(t, err, oerr.ErrNoCapableCandidate)

	for outcome, want := range map[string]float64{
		"no_candidate":         1,
		"selected":             1,
		"unknown_override":     1,
		"no_capable_candidate": 1,
	} {
		got := testutil.ToFloat64(metrics.ResolveOutcomes.WithLabelValues("adapter", outcome))
		assert.Equal(t, want, got, "outcome %s", outcome)
	}
}

func TestSelectedScoreDominatesAllNonShadowed(t *testing.T) {
	reg, r := newResolver(t, Config{})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "a", StackLevel: 1})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "b", StackLevel: 9})
	register(t, reg, registry.Candidate{Domain: registry.DomainAdapter, Key: "cache", Provider: "c", Priority: registry.IntPtr(20)})

	res, err := r.Resolve(registry.DomainAdapter, "cache", Options{})
	require.NoError(t, err)

	var winner Score
	for _, c := range res.Trace.Considered {
		if c.Selected {
			winner = c.Score
		}
	}
	for _, c := range res.Trace.Considered {
		if !c.Selected {
			assert.True(t, c.Score.Less(winner), "selected score must dominate %s", c.Provider)
		}
	}
}
