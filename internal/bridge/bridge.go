// Package bridge is the per-domain façade over the resolver and lifecycle
// manager: use, pause, drain, explain, and the per-provider settings cache.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/activity"
	"github.com/oneiric/oneiric/internal/lifecycle"
	"github.com/oneiric/oneiric/internal/registry"
	"github.com/oneiric/oneiric/internal/resolver"
)

// SettingsModel builds a typed prototype that provider settings are decoded
// into for validation. Unknown fields are rejected.
type SettingsModel func() any

// UseOptions controls Use behavior.
type UseOptions struct {
	// Provider is an explicit provider override.
	Provider string
	// Capabilities are required capabilities.
	Capabilities []string
	// Refresh forces re-activation even when a live current exists.
	Refresh bool
}

type settingsKey struct {
	key      string
	provider string
}

// Bridge exposes the uniform per-domain surface.
type Bridge struct {
	domain    registry.Domain
	reg       *registry.Registry
	resolver  *resolver.Resolver
	lifecycle *lifecycle.Manager
	activity  *activity.Store
	log       *zap.Logger

	// raw provider settings from operator configuration
	rawSettings map[string]map[string]any
	priority    resolver.PrioritySource

	mu     sync.Mutex
	models map[string]SettingsModel
	cache  map[settingsKey]map[string]any
}

// New creates a bridge for one domain.
func New(domain registry.Domain, reg *registry.Registry, res *resolver.Resolver, mgr *lifecycle.Manager, acts *activity.Store, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		domain:      domain,
		reg:         reg,
		resolver:    res,
		lifecycle:   mgr,
		activity:    acts,
		log:         log,
		rawSettings: make(map[string]map[string]any),
		models:      make(map[string]SettingsModel),
		cache:       make(map[settingsKey]map[string]any),
	}
}

// Domain returns the bridge's domain.
func (b *Bridge) Domain() registry.Domain { return b.domain }

// SetLifecycle installs the lifecycle manager. The bridge owns the settings
// provider the manager is constructed with, so the two are wired in two
// steps.
func (b *Bridge) SetLifecycle(mgr *lifecycle.Manager) {
	b.lifecycle = mgr
}

// SetProviderSettings installs the operator's provider settings map.
func (b *Bridge) SetProviderSettings(settings map[string]map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rawSettings = settings
	b.cache = make(map[settingsKey]map[string]any)
}

// SetPrioritySource installs the stack-order priority callback.
func (b *Bridge) SetPrioritySource(src resolver.PrioritySource) {
	b.priority = src
}

// RegisterSettingsModel registers a typed settings prototype under a model
// name that candidates reference via their settings_model metadata.
func (b *Bridge) RegisterSettingsModel(name string, model SettingsModel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models[name] = model
}

// Use returns a handle for the slot, reusing a live current unless Refresh
// is set or a different provider is requested.
func (b *Bridge) Use(ctx context.Context, key string, opts UseOptions) (lifecycle.Handle, error) {
	if !opts.Refresh {
		if h, ok := b.lifecycle.Current(b.domain, key); ok {
			if opts.Provider == "" || opts.Provider == h.Provider {
				return h, nil
			}
		}
	}
	return b.lifecycle.Activate(ctx, b.domain, key, lifecycle.ActivateOptions{
		Override:     opts.Provider,
		Capabilities: opts.Capabilities,
		Priority:     b.priority,
	})
}

// Swap replaces the slot's provider. The settings cache entry for the slot is
// invalidated so the next construction revalidates.
func (b *Bridge) Swap(ctx context.Context, key, provider string, force bool) (lifecycle.Handle, error) {
	b.invalidateKey(key)
	return b.lifecycle.Swap(ctx, b.domain, key, lifecycle.SwapOptions{
		Provider: provider,
		Priority: b.priority,
		Force:    force,
	})
}

// Pause flips the paused flag for the slot.
func (b *Bridge) Pause(ctx context.Context, key, note string) error {
	return b.lifecycle.Pause(ctx, b.domain, key, note)
}

// Drain flips the draining flag for the slot.
func (b *Bridge) Drain(ctx context.Context, key, note string) error {
	return b.lifecycle.Drain(ctx, b.domain, key, note)
}

// Resume clears pause and drain flags for the slot.
func (b *Bridge) Resume(ctx context.Context, key string) error {
	return b.lifecycle.Resume(ctx, b.domain, key)
}

// Probe runs the health probe against the slot's current instance.
func (b *Bridge) Probe(ctx context.Context, key string) (lifecycle.HealthResult, error) {
	return b.lifecycle.Probe(ctx, b.domain, key)
}

// Activity returns the operator flags for the slot.
func (b *Bridge) Activity(key string) activity.Flags {
	if b.activity == nil {
		return activity.Flags{}
	}
	return b.activity.Get(b.domain, key)
}

// Explain resolves the slot and returns the explanation trace.
func (b *Bridge) Explain(key string, opts UseOptions) (resolver.Trace, error) {
	return b.resolver.Explain(b.domain, key, resolver.Options{
		Override:     opts.Provider,
		Capabilities: opts.Capabilities,
		Priority:     b.priority,
	})
}

// ListCandidates returns every registered candidate for the domain, ordered
// by sequence. An empty key lists all slots.
func (b *Bridge) ListCandidates(key string) []registry.Candidate {
	return b.reg.List(b.domain, key)
}

// ListActive returns binding snapshots for this domain.
func (b *Bridge) ListActive() []lifecycle.BindingView {
	var out []lifecycle.BindingView
	for _, v := range b.lifecycle.Bindings() {
		if v.Domain == b.domain {
			out = append(out, v)
		}
	}
	return out
}

// ListShadowed resolves the slot and returns the candidates that were
// considered but not selected.
func (b *Bridge) ListShadowed(key string) []registry.Candidate {
	res, err := b.resolver.Resolve(b.domain, key, resolver.Options{Priority: b.priority})
	if err != nil {
		return nil
	}
	return res.Shadowed
}

// Settings is the lifecycle.SettingsProvider owned by this bridge. When the
// winning candidate declares a settings_model the raw provider settings are
// decoded into the registered prototype for validation and the validated map
// is cached per (key, provider) until a swap or settings change.
func (b *Bridge) Settings(_ context.Context, domain registry.Domain, key, provider string) (map[string]any, error) {
	if domain != b.domain {
		return nil, fmt.Errorf("bridge for %s asked for %s settings", b.domain, domain)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ck := settingsKey{key: key, provider: provider}
	if cached, ok := b.cache[ck]; ok {
		return copySettings(cached), nil
	}

	raw := b.rawSettings[provider]
	if raw == nil {
		return nil, nil
	}

	modelName := b.settingsModelFor(key, provider)
	if modelName != "" {
		if model, ok := b.models[modelName]; ok {
			prototype := model()
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:      prototype,
				ErrorUnused: true,
			})
			if err != nil {
				return nil, fmt.Errorf("settings decoder for %s: %w", provider, err)
			}
			if err := decoder.Decode(raw); err != nil {
				return nil, fmt.Errorf("settings for %s do not match model %q: %w", provider, modelName, err)
			}
		}
	}

	validated := copySettings(raw)
	b.cache[ck] = validated
	return copySettings(validated), nil
}

// copySettings shields the operator's settings maps from factories that
// mutate what they are handed.
func copySettings(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// InvalidateProvider drops cached settings for a provider, e.g. when the
// settings source signals a change.
func (b *Bridge) InvalidateProvider(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ck := range b.cache {
		if ck.provider == provider {
			delete(b.cache, ck)
		}
	}
}

func (b *Bridge) invalidateKey(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ck := range b.cache {
		if ck.key == key {
			delete(b.cache, ck)
		}
	}
}

// settingsModelFor must be called with b.mu held.
func (b *Bridge) settingsModelFor(key, provider string) string {
	for _, c := range b.reg.Lookup(b.domain, key) {
		if c.Provider == provider {
			return c.Metadata["settings_model"]
		}
	}
	return ""
}
