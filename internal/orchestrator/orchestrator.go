// Package orchestrator composes the runtime: registry, resolver, bridges,
// lifecycle manager, selections watcher, remote refresh loop, and the metrics
// endpoint, supervised as one process.
package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oneiric/oneiric/internal/activity"
	"github.com/oneiric/oneiric/internal/bridge"
	"github.com/oneiric/oneiric/internal/config"
	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/lifecycle"
	"github.com/oneiric/oneiric/internal/registry"
	"github.com/oneiric/oneiric/internal/remote"
	"github.com/oneiric/oneiric/internal/resolver"
	"github.com/oneiric/oneiric/internal/watcher"
	"github.com/oneiric/oneiric/pkg/observe"
	"github.com/oneiric/oneiric/pkg/resilience"
)

// Runtime is the composed process.
type Runtime struct {
	cfg     config.Config
	log     *zap.Logger
	sink    observe.Sink
	metrics *observe.Metrics

	catalog  *factory.Catalog
	guard    *factory.Guard
	registry *registry.Registry
	resolver *resolver.Resolver
	activity *activity.Store
	status   *lifecycle.StatusStore
	manager  *lifecycle.Manager

	bridges map[registry.Domain]*bridge.Bridge
	adapter *bridge.AdapterBridge

	pipeline *remote.Pipeline
	watcher  *watcher.Watcher
}

// New wires a runtime from configuration. The catalog carries the in-process
// constructors that symbolic factories resolve to; callers register providers
// on it before and after construction.
func New(cfg config.Config, catalog *factory.Catalog, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	if catalog == nil {
		catalog = factory.NewCatalog()
	}

	metrics := observe.NewMetrics()
	sink := observe.NewZapSink(log.Named("events"))

	reg := registry.New(log.Named("registry"), sink)
	res := resolver.New(reg, resolver.Config{
		DefaultPriority: cfg.Resolver.DefaultPriority,
		StrictOverrides: cfg.Resolver.StrictOverrides,
	}, log.Named("resolver"), sink, metrics)
	guard := factory.NewGuard(catalog, cfg.FactoryAllowlist, log.Named("guard"))
	acts := activity.NewStore(cfg.Activity.StorePath, log.Named("activity"), sink)
	status := lifecycle.NewStatusStore(cfg.Status.Dir, log.Named("status"))

	rt := &Runtime{
		cfg:      cfg,
		log:      log,
		sink:     sink,
		metrics:  metrics,
		catalog:  catalog,
		guard:    guard,
		registry: reg,
		resolver: res,
		activity: acts,
		status:   status,
		bridges:  make(map[registry.Domain]*bridge.Bridge),
	}

	for _, domain := range registry.Domains() {
		b := bridge.New(domain, reg, res, nil, acts, log.Named(string(domain)))
		b.SetProviderSettings(cfg.ProviderSettings)
		b.SetPrioritySource(cfg.PriorityFor)
		rt.bridges[domain] = b
	}
	rt.adapter = bridge.NewAdapterBridge(rt.bridges[registry.DomainAdapter])

	rt.manager = lifecycle.NewManager(res, guard, acts, status, lifecycle.ManagerOptions{
		Settings: rt.settingsFor,
		Timeouts: lifecycle.Timeouts{
			Activate: cfg.Lifecycle.ActivateTimeout,
			Init:     cfg.Lifecycle.InitTimeout,
			Health:   cfg.Lifecycle.HealthTimeout,
			Hook:     cfg.Lifecycle.HookTimeout,
			Cleanup:  cfg.Lifecycle.CleanupTimeout,
		},
		Sink:    sink,
		Metrics: metrics,
	}, log.Named("lifecycle"))
	for _, b := range rt.bridges {
		b.SetLifecycle(rt.manager)
	}

	if cfg.Remote.Enabled {
		rt.pipeline = remote.NewPipeline(remote.Config{
			Enabled:     true,
			ManifestURL: cfg.Remote.ManifestURL,
			CacheDir:    cfg.Remote.CacheDir,

			RefreshInterval: cfg.Remote.RefreshInterval,
			RefreshCron:     cfg.Remote.RefreshCron,

			HTTPTimeout: cfg.Remote.HTTPTimeout,
			Retry: resilience.RetryPolicy{
				MaxAttempts: cfg.Remote.MaxRetries,
				BaseDelay:   cfg.Remote.RetryBaseDelay,
				MaxDelay:    cfg.Remote.RetryMaxDelay,
				Jitter:      cfg.Remote.RetryJitter,
			},
			BreakerThreshold: cfg.Remote.CircuitBreakerThreshold,
			BreakerReset:     cfg.Remote.CircuitBreakerReset,

			VerifySignature:   cfg.Remote.VerifySignature,
			TrustedPublicKeys: cfg.Remote.TrustedPublicKeys,
			RequireSignedAt:   cfg.Remote.RequireSignedAt,
			MaxAge:            cfg.Remote.MaxAge,
			AllowedSkew:       cfg.Remote.AllowedSkew,

			AllowPrivateIPs: cfg.Remote.AllowPrivateIPs,
		}, guard, reg, sink, metrics, log.Named("remote"))
	}

	if cfg.Watchers.Enabled && cfg.Path != "" {
		swappers := make(map[registry.Domain]watcher.Swapper, len(rt.bridges))
		for d, b := range rt.bridges {
			swappers[d] = b
		}
		rt.watcher = watcher.New(watcher.Config{
			Path:         cfg.Path,
			PollInterval: cfg.Watchers.PollInterval,
			Debounce:     cfg.Watchers.Debounce,
		}, rt.loadSelections, swappers, sink, log.Named("watcher"))
	}

	return rt
}

// settingsFor routes the manager's settings lookups to the owning bridge.
func (rt *Runtime) settingsFor(ctx context.Context, domain registry.Domain, key, provider string) (map[string]any, error) {
	b, ok := rt.bridges[domain]
	if !ok {
		return nil, nil
	}
	return b.Settings(ctx, domain, key, provider)
}

// loadSelections re-reads the config file and returns the selection map.
func (rt *Runtime) loadSelections() (map[registry.Domain]map[string]string, error) {
	cfg, err := config.Load(rt.cfg.Path)
	if err != nil {
		return nil, err
	}
	out := make(map[registry.Domain]map[string]string, len(cfg.Selections))
	for d, keys := range cfg.Selections {
		domain := registry.Domain(d)
		if !domain.Valid() {
			continue
		}
		out[domain] = keys
	}
	return out, nil
}

// Bridge returns the bridge for a domain.
func (rt *Runtime) Bridge(domain registry.Domain) *bridge.Bridge { return rt.bridges[domain] }

// Adapter returns the adapter-domain bridge.
func (rt *Runtime) Adapter() *bridge.AdapterBridge { return rt.adapter }

// Registry returns the candidate registry.
func (rt *Runtime) Registry() *registry.Registry { return rt.registry }

// Manager returns the lifecycle manager.
func (rt *Runtime) Manager() *lifecycle.Manager { return rt.manager }

// Catalog returns the factory catalog for provider registration.
func (rt *Runtime) Catalog() *factory.Catalog { return rt.catalog }

// Status returns the status snapshot store.
func (rt *Runtime) Status() *lifecycle.StatusStore { return rt.status }

// Pipeline returns the remote pipeline, nil when remote sync is disabled.
func (rt *Runtime) Pipeline() *remote.Pipeline { return rt.pipeline }

// Metrics returns the runtime's metric set.
func (rt *Runtime) Metrics() *observe.Metrics { return rt.metrics }

// Config returns the effective configuration.
func (rt *Runtime) Config() config.Config { return rt.cfg }

// ActivateSelections activates every configured (domain, key) → provider
// selection. Per-slot failures are collected, not fatal: the process comes up
// with whatever it can serve and the status snapshots carry the rest.
func (rt *Runtime) ActivateSelections(ctx context.Context) error {
	var errs *multierror.Error
	for d, keys := range rt.cfg.Selections {
		domain := registry.Domain(d)
		b, ok := rt.bridges[domain]
		if !ok || !domain.Valid() {
			continue
		}
		for key, provider := range keys {
			if _, err := b.Use(ctx, key, bridge.UseOptions{Provider: provider}); err != nil {
				rt.log.Warn("initial activation failed",
					zap.String("domain", d),
					zap.String("key", key),
					zap.String("provider", provider),
					zap.Error(err))
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// Run supervises the long-running loops until ctx is cancelled, then shuts
// the lifecycle manager down. In the serverless profile the remote sync runs
// once and Run returns as soon as the one-shot work is done.
func (rt *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if rt.cfg.Profile != config.ProfileServerless {
		// a supervised process stays up until cancelled even when every
		// optional loop is disabled
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	if rt.pipeline != nil {
		g.Go(func() error {
			err := rt.pipeline.RunLoop(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if rt.watcher != nil {
		g.Go(func() error {
			err := rt.watcher.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if rt.cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              rt.cfg.Metrics.ListenAddr,
			Handler:           rt.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if serr := rt.manager.Shutdown(stopCtx); serr != nil {
		rt.log.Warn("shutdown cleanup reported errors", zap.Error(serr))
	}
	return err
}

func (rt *Runtime) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}
