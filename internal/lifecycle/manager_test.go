package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneiric/oneiric/internal/activity"
	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/registry"
	"github.com/oneiric/oneiric/internal/resolver"
	oerr "github.com/oneiric/oneiric/pkg/errors"
	"github.com/oneiric/oneiric/pkg/observe"
)

// fakeInstance implements the full optional surface and records calls.
type fakeInstance struct {
	name        string
	initErr     error
	healthErr   error
	initCalls   int
	cleanedUp   bool
	healthCalls int
}

func (f *fakeInstance) Init(_ context.Context) error {
	f.initCalls++
	return f.initErr
}

func (f *fakeInstance) Health(_ context.Context) error {
	f.healthCalls++
	return f.healthErr
}

func (f *fakeInstance) Cleanup(_ context.Context) error {
	f.cleanedUp = true
	return nil
}

type fixture struct {
	reg     *registry.Registry
	mgr     *Manager
	status  *StatusStore
	acts    *activity.Store
	sink    *observe.RecordingSink
	statDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	sink := &observe.RecordingSink{}
	reg := registry.New(nil, sink)
	res := resolver.New(reg, resolver.Config{}, nil, sink, nil)
	guard := factory.NewGuard(factory.NewCatalog(), nil, nil)
	acts := activity.NewStore(filepath.Join(dir, "activity.json"), nil, sink)
	statDir := filepath.Join(dir, "status")
	status := NewStatusStore(statDir, nil)
	mgr := NewManager(res, guard, acts, status, ManagerOptions{Sink: sink}, nil)
	return &fixture{reg: reg, mgr: mgr, status: status, acts: acts, sink: sink, statDir: statDir}
}

func (f *fixture) register(t *testing.T, provider string, stackLevel int, inst *fakeInstance) {
	t.Helper()
	_, err := f.reg.Register(registry.Candidate{
		Domain:     registry.DomainAdapter,
		Key:        "cache",
		Provider:   provider,
		StackLevel: stackLevel,
		Factory: registry.FactorySpec{Fn: func(_ context.Context, _ map[string]any) (any, error) {
			return inst, nil
		}},
	})
	require.NoError(t, err)
}

func TestActivateInstallsCurrent(t *testing.T) {
	f := newFixture(t)
	inst := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, inst)

	h, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "redis", h.Provider)
	assert.Same(t, inst, h.Instance)
	assert.Equal(t, 1, inst.initCalls)
	assert.Equal(t, 1, inst.healthCalls)
	assert.NotEmpty(t, h.ID)

	view, ok := f.mgr.Binding(registry.DomainAdapter, "cache")
	require.True(t, ok)
	assert.Equal(t, StateReady, view.State)
	assert.Equal(t, "redis", view.CurrentProvider)

	doc, err := f.status.Read(registry.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.Equal(t, "ready", doc.State)
	assert.Equal(t, "redis", doc.CurrentProvider)
}

func TestActivateFailureCleansPartialInstance(t *testing.T) {
	f := newFixture(t)
	inst := &fakeInstance{name: "redis", healthErr: errors.New("not reachable")}
	f.register(t, "redis", 10, inst)

	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	assert.ErrorIs(t, err, oerr.ErrActivateFailed)
	assert.True(t, inst.cleanedUp)

	view, ok := f.mgr.Binding(registry.DomainAdapter, "cache")
	require.True(t, ok)
	assert.Equal(t, StateFailed, view.State)
	assert.Empty(t, view.CurrentProvider)
	assert.NotEmpty(t, view.LastError)

	require.Len(t, f.sink.Named(observe.EventActivateFailure), 1)
}

func TestSwapRollbackPreservesPrevious(t *testing.T) {
	f := newFixture(t)
	redis := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, redis)

	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	memcached := &fakeInstance{name: "memcached", initErr: errors.New("init exploded")}
	f.register(t, "memcached", 5, memcached)

	_, err = f.mgr.Swap(context.Background(), registry.DomainAdapter, "cache", SwapOptions{Provider: "memcached"})
	require.Error(t, err)

	var swapErr *oerr.SwapError
	require.True(t, errors.As(err, &swapErr))
	assert.True(t, swapErr.RolledBack)
	assert.ErrorIs(t, err, oerr.ErrSwapFailed)

	// the prior instance stays current and its cleanup was never invoked
	h, ok := f.mgr.Current(registry.DomainAdapter, "cache")
	require.True(t, ok)
	assert.Same(t, redis, h.Instance)
	assert.False(t, redis.cleanedUp)
	assert.True(t, memcached.cleanedUp)

	doc, err := f.status.Read(registry.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.Equal(t, "ready", doc.State)
	assert.Equal(t, "redis", doc.CurrentProvider)
	assert.NotEmpty(t, doc.LastError)

	require.Len(t, f.sink.Named(observe.EventRollbackSuccess), 1)
	require.Len(t, f.sink.Named(observe.EventSwapFailure), 1)
}

func TestSwapSuccessCleansOldInstance(t *testing.T) {
	f := newFixture(t)
	redis := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, redis)
	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	memcached := &fakeInstance{name: "memcached"}
	f.register(t, "memcached", 5, memcached)

	h, err := f.mgr.Swap(context.Background(), registry.DomainAdapter, "cache", SwapOptions{Provider: "memcached"})
	require.NoError(t, err)
	assert.Same(t, memcached, h.Instance)
	assert.True(t, redis.cleanedUp)

	view, ok := f.mgr.Binding(registry.DomainAdapter, "cache")
	require.True(t, ok)
	assert.Equal(t, "memcached", view.CurrentProvider)
	assert.Empty(t, view.PreviousProvider)
}

func TestForceSwapCleansPreviousOnFailure(t *testing.T) {
	f := newFixture(t)
	redis := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, redis)
	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	memcached := &fakeInstance{name: "memcached", initErr: errors.New("nope")}
	f.register(t, "memcached", 5, memcached)

	_, err = f.mgr.Swap(context.Background(), registry.DomainAdapter, "cache", SwapOptions{Provider: "memcached", Force: true})
	require.Error(t, err)

	var swapErr *oerr.SwapError
	require.True(t, errors.As(err, &swapErr))
	assert.False(t, swapErr.RolledBack)
	assert.True(t, redis.cleanedUp)

	_, ok := f.mgr.Current(registry.DomainAdapter, "cache")
	assert.False(t, ok)

	view, _ := f.mgr.Binding(registry.DomainAdapter, "cache")
	assert.Equal(t, StateFailed, view.State)
}

func TestPreSwapHookFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	redis := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, redis)
	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	f.mgr.AddPreSwapHook(func(_ context.Context, _ registry.Domain, _ string) error {
		return errors.New("denied")
	})

	memcached := &fakeInstance{name: "memcached"}
	f.register(t, "memcached", 5, memcached)

	_, err = f.mgr.Swap(context.Background(), registry.DomainAdapter, "cache", SwapOptions{Provider: "memcached"})
	require.Error(t, err)
	assert.Equal(t, 0, memcached.initCalls, "new instance must not be constructed after a pre_swap failure")

	h, ok := f.mgr.Current(registry.DomainAdapter, "cache")
	require.True(t, ok)
	assert.Same(t, redis, h.Instance)
}

func TestPostSwapHookFailureDoesNotPropagate(t *testing.T) {
	f := newFixture(t)
	redis := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, redis)
	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	fired := false
	f.mgr.AddPostSwapHook(func(_ context.Context, _ registry.Domain, _ string) error {
		fired = true
		return errors.New("post hook hiccup")
	})

	memcached := &fakeInstance{name: "memcached"}
	f.register(t, "memcached", 5, memcached)

	h, err := f.mgr.Swap(context.Background(), registry.DomainAdapter, "cache", SwapOptions{Provider: "memcached"})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Same(t, memcached, h.Instance)
}

func TestProbeUpdatesHealthState(t *testing.T) {
	f := newFixture(t)
	inst := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, inst)
	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	res, err := f.mgr.Probe(context.Background(), registry.DomainAdapter, "cache")
	require.NoError(t, err)
	assert.True(t, res.OK)

	inst.healthErr = errors.New("degraded")
	res, err = f.mgr.Probe(context.Background(), registry.DomainAdapter, "cache")
	assert.ErrorIs(t, err, oerr.ErrHealthCheckFailed)
	assert.False(t, res.OK)

	doc, err := f.status.Read(registry.DomainAdapter, "cache")
	require.NoError(t, err)
	require.NotNil(t, doc.LastHealthOK)
	assert.False(t, *doc.LastHealthOK)
}

func TestCandidateHealthProbeRunsFirst(t *testing.T) {
	f := newFixture(t)
	inst := &fakeInstance{name: "redis"}
	candHealthCalled := false
	_, err := f.reg.Register(registry.Candidate{
		Domain:   registry.DomainAdapter,
		Key:      "cache",
		Provider: "redis",
		Health: func(_ context.Context) error {
			candHealthCalled = true
			return errors.New("candidate probe says no")
		},
		Factory: registry.FactorySpec{Fn: func(_ context.Context, _ map[string]any) (any, error) {
			return inst, nil
		}},
	})
	require.NoError(t, err)

	_, err = f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	assert.ErrorIs(t, err, oerr.ErrActivateFailed)
	assert.True(t, candHealthCalled)
	assert.Equal(t, 0, inst.healthCalls, "instance probe must not run after candidate probe failure")
}

func TestPauseDrainResumeMirrorIntoBinding(t *testing.T) {
	f := newFixture(t)
	inst := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, inst)
	ctx := context.Background()
	_, err := f.mgr.Activate(ctx, registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Pause(ctx, registry.DomainAdapter, "cache", "ops hold"))
	view, _ := f.mgr.Binding(registry.DomainAdapter, "cache")
	assert.True(t, view.Activity.Paused)

	require.NoError(t, f.mgr.Drain(ctx, registry.DomainAdapter, "cache", ""))
	view, _ = f.mgr.Binding(registry.DomainAdapter, "cache")
	assert.True(t, view.Activity.Draining)
	assert.Equal(t, StateDrained, view.State)

	require.NoError(t, f.mgr.Resume(ctx, registry.DomainAdapter, "cache"))
	view, _ = f.mgr.Binding(registry.DomainAdapter, "cache")
	assert.False(t, view.Activity.Paused)
	assert.False(t, view.Activity.Draining)
	assert.Equal(t, StateReady, view.State)
}

func TestShutdownCleansLiveInstances(t *testing.T) {
	f := newFixture(t)
	inst := &fakeInstance{name: "redis"}
	f.register(t, "redis", 10, inst)
	_, err := f.mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Shutdown(context.Background()))
	assert.True(t, inst.cleanedUp)
	_, ok := f.mgr.Current(registry.DomainAdapter, "cache")
	assert.False(t, ok)
}

func TestActivateTimeoutMapsToTimeout(t *testing.T) {
	dir := t.TempDir()
	sink := &observe.RecordingSink{}
	reg := registry.New(nil, sink)
	res := resolver.New(reg, resolver.Config{}, nil, sink, nil)
	guard := factory.NewGuard(factory.NewCatalog(), nil, nil)
	acts := activity.NewStore(filepath.Join(dir, "activity.json"), nil, sink)
	status := NewStatusStore(filepath.Join(dir, "status"), nil)
	mgr := NewManager(res, guard, acts, status, ManagerOptions{
		Sink:     sink,
		Timeouts: Timeouts{Activate: 30 * time.Millisecond},
	}, nil)

	_, err := reg.Register(registry.Candidate{
		Domain:   registry.DomainAdapter,
		Key:      "cache",
		Provider: "slow",
		Factory: registry.FactorySpec{Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-time.After(time.Second):
				return &fakeInstance{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}},
	})
	require.NoError(t, err)

	_, err = mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, oerr.ErrActivateFailed)
	assert.ErrorIs(t, err, oerr.ErrTimeout)
}

func TestSettingsInjection(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(nil, nil)
	res := resolver.New(reg, resolver.Config{}, nil, nil, nil)
	guard := factory.NewGuard(factory.NewCatalog(), nil, nil)
	acts := activity.NewStore(filepath.Join(dir, "activity.json"), nil, nil)
	status := NewStatusStore(filepath.Join(dir, "status"), nil)

	var seen map[string]any
	mgr := NewManager(res, guard, acts, status, ManagerOptions{
		Settings: func(_ context.Context, _ registry.Domain, _ string, provider string) (map[string]any, error) {
			return map[string]any{"addr": "localhost:6379", "provider": provider}, nil
		},
	}, nil)

	_, err := reg.Register(registry.Candidate{
		Domain:   registry.DomainAdapter,
		Key:      "cache",
		Provider: "redis",
		Metadata: map[string]string{"settings_model": "redis"},
		Factory: registry.FactorySpec{Fn: func(_ context.Context, settings map[string]any) (any, error) {
			seen = settings
			return &fakeInstance{}, nil
		}},
	})
	require.NoError(t, err)

	_, err = mgr.Activate(context.Background(), registry.DomainAdapter, "cache", ActivateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", seen["addr"])
	assert.Equal(t, "redis", seen["provider"])
}
