// Package lifecycle turns winning candidates into live, healthy instances and
// keeps them swap-safe: activation, hot-swap with rollback, health probes,
// pause/drain flags, and atomically-written status snapshots.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/activity"
	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/registry"
	"github.com/oneiric/oneiric/internal/resolver"
	oerr "github.com/oneiric/oneiric/pkg/errors"
	"github.com/oneiric/oneiric/pkg/observe"
)

// State is the per-binding lifecycle state.
type State string

const (
	StateAbsent     State = "absent"
	StateActivating State = "activating"
	StateReady      State = "ready"
	StateSwapping   State = "swapping"
	StateFailed     State = "failed"
	StateDrained    State = "drained"
)

// Timeouts is the deadline policy for externally-visible operations.
type Timeouts struct {
	Activate time.Duration // overall budget for activate/swap
	Init     time.Duration
	Health   time.Duration
	Hook     time.Duration
	Cleanup  time.Duration
}

// DefaultTimeouts returns the default policy.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Activate: 30 * time.Second,
		Init:     30 * time.Second,
		Health:   5 * time.Second,
		Hook:     5 * time.Second,
		Cleanup:  10 * time.Second,
	}
}

func (t Timeouts) normalized() Timeouts {
	d := DefaultTimeouts()
	if t.Activate <= 0 {
		t.Activate = d.Activate
	}
	if t.Init <= 0 {
		t.Init = d.Init
	}
	if t.Health <= 0 {
		t.Health = d.Health
	}
	if t.Hook <= 0 {
		t.Hook = d.Hook
	}
	if t.Cleanup <= 0 {
		t.Cleanup = d.Cleanup
	}
	return t
}

// Hook runs around swaps and cleanups. Hooks are passed at construction or
// via AddPreSwapHook/AddPostSwapHook/AddCleanupHook; there is no implicit
// registration.
type Hook func(ctx context.Context, domain registry.Domain, key string) error

// Hooks groups the explicit hook arrays.
type Hooks struct {
	PreSwap  []Hook
	PostSwap []Hook
	Cleanup  []Hook
}

// SettingsProvider supplies validated settings for a candidate that declares
// a settings model. It is owned by the domain bridge.
type SettingsProvider func(ctx context.Context, domain registry.Domain, key, provider string) (map[string]any, error)

// Handle is a short-lived reference to a live instance. Holders must not
// retain it past a swap.
type Handle struct {
	ID       string
	Domain   registry.Domain
	Key      string
	Provider string
	Instance any
	Metadata map[string]string
}

// HealthResult is the outcome of a probe.
type HealthResult struct {
	OK        bool
	Err       string
	CheckedAt time.Time
}

// ActivateOptions carries per-call resolve inputs.
type ActivateOptions struct {
	Override     string
	Capabilities []string
	Priority     resolver.PrioritySource
}

// SwapOptions carries swap inputs. Provider is the target provider override.
type SwapOptions struct {
	Provider     string
	Capabilities []string
	Priority     resolver.PrioritySource
	Force        bool
}

// BindingView is a read-only snapshot of one binding.
type BindingView struct {
	Domain           registry.Domain
	Key              string
	State            State
	CurrentProvider  string
	PreviousProvider string
	LastActivatedAt  time.Time
	LastError        string
	LastHealthAt     time.Time
	LastHealthOK     bool
	Activity         activity.Flags
}

type bound struct {
	candidate registry.Candidate
	instance  any
	handleID  string
}

func (b *bound) handle() Handle {
	md := make(map[string]string, len(b.candidate.Metadata))
	for k, v := range b.candidate.Metadata {
		md[k] = v
	}
	return Handle{
		ID:       b.handleID,
		Domain:   b.candidate.Domain,
		Key:      b.candidate.Key,
		Provider: b.candidate.Provider,
		Instance: b.instance,
		Metadata: md,
	}
}

type binding struct {
	mu sync.Mutex

	domain registry.Domain
	key    string

	current  *bound
	previous *bound
	state    State

	lastActivatedAt time.Time
	lastError       string
	lastHealthAt    time.Time
	lastHealthOK    bool
}

type slotKey struct {
	domain registry.Domain
	key    string
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Settings SettingsProvider
	Hooks    Hooks
	Timeouts Timeouts
	Sink     observe.Sink
	Metrics  *observe.Metrics
}

// Manager owns per-(domain, key) bindings. Operations on distinct slots never
// serialize on each other; concurrent operations on the same slot serialize
// on the per-binding lock.
type Manager struct {
	resolver *resolver.Resolver
	guard    *factory.Guard
	activity *activity.Store
	status   *StatusStore

	settings SettingsProvider
	timeouts Timeouts
	sink     observe.Sink
	metrics  *observe.Metrics
	log      *zap.Logger

	hookMu sync.RWMutex
	hooks  Hooks

	mu       sync.Mutex
	bindings map[slotKey]*binding
}

// NewManager wires the lifecycle manager.
func NewManager(res *resolver.Resolver, guard *factory.Guard, acts *activity.Store, status *StatusStore, opts ManagerOptions, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = observe.NopSink{}
	}
	return &Manager{
		resolver: res,
		guard:    guard,
		activity: acts,
		status:   status,
		settings: opts.Settings,
		timeouts: opts.Timeouts.normalized(),
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		hooks:    opts.Hooks,
		log:      log,
		bindings: make(map[slotKey]*binding),
	}
}

// AddPreSwapHook appends a hook fired before constructing a new instance.
func (m *Manager) AddPreSwapHook(h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks.PreSwap = append(m.hooks.PreSwap, h)
}

// AddPostSwapHook appends a hook fired after the new instance is bound and
// before old cleanup.
func (m *Manager) AddPostSwapHook(h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks.PostSwap = append(m.hooks.PostSwap, h)
}

// AddCleanupHook appends a hook fired after instance cleanup.
func (m *Manager) AddCleanupHook(h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks.Cleanup = append(m.hooks.Cleanup, h)
}

func (m *Manager) binding(domain registry.Domain, key string) *binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := slotKey{domain: domain, key: key}
	b, ok := m.bindings[k]
	if !ok {
		b = &binding{domain: domain, key: key, state: StateAbsent}
		m.bindings[k] = b
	}
	return b
}

// Current returns the live handle for a slot, if any.
func (m *Manager) Current(domain registry.Domain, key string) (Handle, bool) {
	b := m.binding(domain, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Handle{}, false
	}
	return b.current.handle(), true
}

// Activate resolves, constructs, health-checks, and installs a candidate as
// current. A live current instance, if any, is cleaned up after the new one
// is bound.
func (m *Manager) Activate(ctx context.Context, domain registry.Domain, key string, opts ActivateOptions) (Handle, error) {
	ctx, span := observe.Tracer().Start(ctx, "oneiric.activate")
	span.SetAttributes(attribute.String("domain", string(domain)), attribute.String("key", key))
	defer span.End()

	b := m.binding(domain, key)
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Activate)
	defer cancel()

	m.emit(ctx, observe.EventActivateStart, domain, key, opts.Override, 0, nil)
	b.state = StateActivating

	nb, err := m.construct(ctx, domain, key, resolver.Options{
		Override:     opts.Override,
		Capabilities: opts.Capabilities,
		Priority:     opts.Priority,
	})
	if err != nil {
		if b.current != nil {
			b.state = StateReady
		} else {
			b.state = StateFailed
		}
		b.lastError = err.Error()
		m.persist(b)
		m.emit(ctx, observe.EventActivateFailure, domain, key, opts.Override, 0, err)
		return Handle{}, fmt.Errorf("%w: %w", oerr.ErrActivateFailed, oerr.FromContext(err))
	}

	old := b.current
	b.current = nb
	b.state = StateReady
	b.lastActivatedAt = time.Now().UTC()
	b.lastError = ""
	m.persist(b)
	m.emit(ctx, observe.EventActivateSuccess, domain, key, nb.candidate.Provider, 0, nil)

	if old != nil {
		m.cleanup(ctx, domain, key, old)
	}
	return nb.handle(), nil
}

// Swap replaces current with a freshly constructed instance. On failure with
// Force false the previous instance is restored untouched and the returned
// error is a SwapError with RolledBack true.
func (m *Manager) Swap(ctx context.Context, domain registry.Domain, key string, opts SwapOptions) (Handle, error) {
	ctx, span := observe.Tracer().Start(ctx, "oneiric.swap")
	span.SetAttributes(
		attribute.String("domain", string(domain)),
		attribute.String("key", key),
		attribute.String("provider", opts.Provider),
	)
	defer span.End()

	b := m.binding(domain, key)
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeouts.Activate)
	defer cancel()

	start := time.Now()
	m.emit(ctx, observe.EventSwapStart, domain, key, opts.Provider, 0, nil)
	b.state = StateSwapping

	fail := func(cause error) (Handle, error) {
		swapErr := &oerr.SwapError{
			Domain:   string(domain),
			Key:      key,
			Provider: opts.Provider,
			Cause:    oerr.FromContext(cause),
		}
		if opts.Force {
			if b.current != nil {
				m.cleanup(ctx, domain, key, b.current)
				b.current = nil
			}
			b.state = StateFailed
		} else if b.current != nil {
			// rollback: previous instance stays current, its cleanup was
			// never invoked
			swapErr.RolledBack = true
			b.state = StateReady
			m.emit(ctx, observe.EventRollbackSuccess, domain, key, b.current.candidate.Provider, 0, nil)
		} else {
			b.state = StateFailed
		}
		b.lastError = swapErr.Error()
		m.persist(b)
		m.observeSwap(domain, time.Since(start), "failure")
		m.emit(ctx, observe.EventSwapFailure, domain, key, opts.Provider, time.Since(start), cause)
		return Handle{}, swapErr
	}

	if err := m.runHooks(ctx, m.preSwapHooks(), domain, key); err != nil {
		return fail(fmt.Errorf("pre_swap hook: %w", err))
	}

	nb, err := m.construct(ctx, domain, key, resolver.Options{
		Override:     opts.Provider,
		Capabilities: opts.Capabilities,
		Priority:     opts.Priority,
	})
	if err != nil {
		return fail(err)
	}

	b.previous = b.current
	b.current = nb
	b.state = StateReady
	b.lastActivatedAt = time.Now().UTC()
	b.lastError = ""
	m.persist(b)

	if err := m.runHooks(ctx, m.postSwapHooks(), domain, key); err != nil {
		// the new instance is already bound; post-swap hook failures are
		// logged and counted, never propagated
		m.log.Warn("post_swap hook failed",
			zap.String("domain", string(domain)),
			zap.String("key", key),
			zap.Error(err))
	}

	if b.previous != nil {
		m.cleanup(ctx, domain, key, b.previous)
		b.previous = nil
		m.persist(b)
	}

	m.observeSwap(domain, time.Since(start), "success")
	m.emit(ctx, observe.EventSwapSuccess, domain, key, nb.candidate.Provider, time.Since(start), nil)
	return nb.handle(), nil
}

// Probe runs the health probe against the current instance without swapping.
func (m *Manager) Probe(ctx context.Context, domain registry.Domain, key string) (HealthResult, error) {
	b := m.binding(domain, key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return HealthResult{}, fmt.Errorf("%w: %s/%s has no live instance", oerr.ErrNoCandidate, domain, key)
	}

	err := m.health(ctx, &b.current.candidate, b.current.instance)
	res := HealthResult{OK: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		res.Err = err.Error()
	}
	b.lastHealthAt = res.CheckedAt
	b.lastHealthOK = res.OK
	m.persist(b)

	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	if m.metrics != nil {
		m.metrics.HealthProbes.WithLabelValues(string(domain), outcome).Inc()
	}
	m.emit(ctx, observe.EventHealthProbe, domain, key, b.current.candidate.Provider, 0, err)

	if err != nil {
		return res, fmt.Errorf("%w: %w", oerr.ErrHealthCheckFailed, err)
	}
	return res, nil
}

// Pause flips the paused flag. Watchers skip pending swaps while paused; the
// core keeps servicing resolve calls from pre-existing handles.
func (m *Manager) Pause(ctx context.Context, domain registry.Domain, key, note string) error {
	_, err := m.activity.Pause(ctx, domain, key, note)
	if err != nil {
		return err
	}
	m.countActivity(domain, "pause")
	b := m.binding(domain, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	m.persist(b)
	return nil
}

// Drain flips the draining flag; pending swaps are delayed until it clears.
func (m *Manager) Drain(ctx context.Context, domain registry.Domain, key, note string) error {
	_, err := m.activity.Drain(ctx, domain, key, note)
	if err != nil {
		return err
	}
	m.countActivity(domain, "drain")
	b := m.binding(domain, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.state = StateDrained
	}
	m.persist(b)
	return nil
}

// Resume clears pause and drain flags.
func (m *Manager) Resume(ctx context.Context, domain registry.Domain, key string) error {
	_, err := m.activity.Resume(ctx, domain, key)
	if err != nil {
		return err
	}
	m.countActivity(domain, "resume")
	b := m.binding(domain, key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDrained {
		b.state = StateReady
	}
	m.persist(b)
	return nil
}

// Binding returns a read-only snapshot of one slot.
func (m *Manager) Binding(domain registry.Domain, key string) (BindingView, bool) {
	m.mu.Lock()
	b, ok := m.bindings[slotKey{domain: domain, key: key}]
	m.mu.Unlock()
	if !ok {
		return BindingView{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.view(b), true
}

// Bindings returns snapshots of every slot the manager has touched.
func (m *Manager) Bindings() []BindingView {
	m.mu.Lock()
	all := make([]*binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		all = append(all, b)
	}
	m.mu.Unlock()

	out := make([]BindingView, 0, len(all))
	for _, b := range all {
		b.mu.Lock()
		out = append(out, m.view(b))
		b.mu.Unlock()
	}
	return out
}

// Shutdown cleans up every live instance. The cleanup phase is shielded from
// the caller's cancellation.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		all = append(all, b)
	}
	m.mu.Unlock()

	for _, b := range all {
		b.mu.Lock()
		if b.current != nil {
			m.cleanup(ctx, b.domain, b.key, b.current)
			b.current = nil
			b.state = StateAbsent
			m.persist(b)
		}
		b.mu.Unlock()
	}
	return nil
}

// construct runs resolve -> guard -> factory -> init -> health. On failure
// after construction, the partial instance's cleanup is invoked best-effort.
func (m *Manager) construct(ctx context.Context, domain registry.Domain, key string, opts resolver.Options) (*bound, error) {
	res, err := m.resolver.Resolve(domain, key, opts)
	if err != nil {
		return nil, err
	}
	cand := res.Selected

	fn, err := m.guard.Resolve(cand.Factory)
	if err != nil {
		return nil, err
	}

	var settings map[string]any
	if m.settings != nil && cand.Metadata["settings_model"] != "" {
		settings, err = m.settings(ctx, domain, key, cand.Provider)
		if err != nil {
			return nil, fmt.Errorf("settings for %s: %w", cand.Provider, err)
		}
	}

	instance, err := fn(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("factory for %s: %w", cand.Provider, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, m.timeouts.Init)
	err = initInstance(initCtx, instance)
	cancel()
	if err != nil {
		m.discard(ctx, domain, key, instance)
		return nil, fmt.Errorf("init for %s: %w", cand.Provider, err)
	}

	if err := m.health(ctx, &cand, instance); err != nil {
		m.discard(ctx, domain, key, instance)
		return nil, fmt.Errorf("%w: %s: %w", oerr.ErrHealthCheckFailed, cand.Provider, err)
	}

	return &bound{candidate: cand, instance: instance, handleID: uuid.NewString()}, nil
}

// health evaluates the candidate-level probe first, then the instance's
// health surface, both within the health timeout.
func (m *Manager) health(ctx context.Context, cand *registry.Candidate, instance any) error {
	hctx, cancel := context.WithTimeout(ctx, m.timeouts.Health)
	defer cancel()

	if cand.Health != nil {
		if err := cand.Health(hctx); err != nil {
			return err
		}
	}
	return probeInstance(hctx, instance)
}

// cleanup releases an instance: its cleanup surface first, then the
// registered cleanup hooks, each best-effort with the cleanup timeout and
// shielded from the caller's cancellation. Errors are logged and counted,
// never propagated.
func (m *Manager) cleanup(ctx context.Context, domain registry.Domain, key string, b *bound) {
	m.discard(ctx, domain, key, b.instance)
}

func (m *Manager) discard(ctx context.Context, domain registry.Domain, key string, instance any) {
	shielded, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeouts.Cleanup)
	defer cancel()

	var errs *multierror.Error
	if err := cleanupInstance(shielded, instance); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, h := range m.cleanupHooks() {
		hctx, hcancel := context.WithTimeout(shielded, m.timeouts.Hook)
		if err := h(hctx, domain, key); err != nil {
			errs = multierror.Append(errs, err)
		}
		hcancel()
	}
	if err := errs.ErrorOrNil(); err != nil {
		m.log.Warn("cleanup errors",
			zap.String("domain", string(domain)),
			zap.String("key", key),
			zap.Error(err))
	}
}

func (m *Manager) runHooks(ctx context.Context, hooks []Hook, domain registry.Domain, key string) error {
	for _, h := range hooks {
		hctx, cancel := context.WithTimeout(ctx, m.timeouts.Hook)
		err := h(hctx, domain, key)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) preSwapHooks() []Hook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return append([]Hook(nil), m.hooks.PreSwap...)
}

func (m *Manager) postSwapHooks() []Hook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return append([]Hook(nil), m.hooks.PostSwap...)
}

func (m *Manager) cleanupHooks() []Hook {
	m.hookMu.RLock()
	defer m.hookMu.RUnlock()
	return append([]Hook(nil), m.hooks.Cleanup...)
}

// view must be called with b.mu held.
func (m *Manager) view(b *binding) BindingView {
	v := BindingView{
		Domain:          b.domain,
		Key:             b.key,
		State:           b.state,
		LastActivatedAt: b.lastActivatedAt,
		LastError:       b.lastError,
		LastHealthAt:    b.lastHealthAt,
		LastHealthOK:    b.lastHealthOK,
	}
	if b.current != nil {
		v.CurrentProvider = b.current.candidate.Provider
	}
	if b.previous != nil {
		v.PreviousProvider = b.previous.candidate.Provider
	}
	if m.activity != nil {
		v.Activity = m.activity.Get(b.domain, b.key)
	}
	return v
}

// persist must be called with b.mu held.
func (m *Manager) persist(b *binding) {
	if m.status == nil {
		return
	}
	v := m.view(b)
	doc := StatusDoc{
		Domain:           string(v.Domain),
		Key:              v.Key,
		State:            string(v.State),
		CurrentProvider:  v.CurrentProvider,
		PreviousProvider: v.PreviousProvider,
		LastError:        v.LastError,
		Activity:         v.Activity,
	}
	if !v.LastActivatedAt.IsZero() {
		ts := v.LastActivatedAt
		doc.LastActivatedAt = &ts
	}
	if !v.LastHealthAt.IsZero() {
		ts := v.LastHealthAt
		doc.LastHealthAt = &ts
		ok := v.LastHealthOK
		doc.LastHealthOK = &ok
	}
	if err := m.status.Write(doc); err != nil {
		m.log.Warn("status snapshot write failed",
			zap.String("domain", doc.Domain),
			zap.String("key", doc.Key),
			zap.Error(err))
	}
}

func (m *Manager) emit(ctx context.Context, name string, domain registry.Domain, key, provider string, d time.Duration, err error) {
	e := observe.Event{
		Name:     name,
		Domain:   string(domain),
		Key:      key,
		Provider: provider,
		Duration: d,
		At:       time.Now().UTC(),
	}
	if err != nil {
		e.Err = err.Error()
	}
	m.sink.Emit(ctx, e)
}

func (m *Manager) observeSwap(domain registry.Domain, d time.Duration, outcome string) {
	if m.metrics != nil {
		m.metrics.SwapDuration.WithLabelValues(string(domain), outcome).Observe(d.Seconds())
	}
}

func (m *Manager) countActivity(domain registry.Domain, transition string) {
	if m.metrics != nil {
		m.metrics.ActivityChanges.WithLabelValues(string(domain), transition).Inc()
	}
}
