// Package watcher detects changes in the operator's selection map and drives
// provider swaps through the domain bridges. Filesystem events are used when
// available, with a polling fallback for filesystems that do not deliver
// them.
package watcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/activity"
	"github.com/oneiric/oneiric/internal/lifecycle"
	"github.com/oneiric/oneiric/internal/registry"
	"github.com/oneiric/oneiric/pkg/observe"
)

// Swapper is the slice of the domain bridge the watcher needs.
type Swapper interface {
	Swap(ctx context.Context, key, provider string, force bool) (lifecycle.Handle, error)
	Activity(key string) activity.Flags
}

// LoadFunc reloads the selection map from its source of truth.
type LoadFunc func() (map[registry.Domain]map[string]string, error)

// Config controls watch behavior.
type Config struct {
	// Path is the selections file watched for changes.
	Path string
	// PollInterval is the fallback poll cadence. Zero disables polling.
	PollInterval time.Duration
	// Debounce coalesces bursts of filesystem events.
	Debounce time.Duration
	// DrainRetryDelay and DrainMaxRetries bound how long a swap is deferred
	// while the slot is draining.
	DrainRetryDelay time.Duration
	DrainMaxRetries int
}

func (c Config) normalized() Config {
	if c.PollInterval < 0 {
		c.PollInterval = 0
	}
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.DrainRetryDelay <= 0 {
		c.DrainRetryDelay = 2 * time.Second
	}
	if c.DrainMaxRetries <= 0 {
		c.DrainMaxRetries = 5
	}
	return c
}

// Watcher applies selection changes to bridges.
type Watcher struct {
	cfg     Config
	load    LoadFunc
	bridges map[registry.Domain]Swapper
	sink    observe.Sink
	log     *zap.Logger

	mu       sync.Mutex
	prev     map[registry.Domain]map[string]string
	lastHash [sha256.Size]byte
}

// New builds a watcher. The first Run load seeds the baseline without
// triggering swaps; initial activation belongs to the orchestrator.
func New(cfg Config, load LoadFunc, bridges map[registry.Domain]Swapper, sink observe.Sink, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = observe.NopSink{}
	}
	return &Watcher{
		cfg:     cfg.normalized(),
		load:    load,
		bridges: bridges,
		sink:    sink,
		log:     log,
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if sel, err := w.load(); err == nil {
		w.mu.Lock()
		w.prev = sel
		w.mu.Unlock()
	} else {
		w.log.Warn("initial selections load failed", zap.Error(err))
	}
	w.snapshotHash()

	events := make(chan struct{}, 1)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, relying on polling", zap.Error(err))
	} else {
		defer fsw.Close()
		// watch the directory: editors replace files by rename
		if err := fsw.Add(filepath.Dir(w.cfg.Path)); err != nil {
			w.log.Warn("watch failed, relying on polling", zap.String("path", w.cfg.Path), zap.Error(err))
		}
		go w.forward(ctx, fsw, events)
	}

	var poll <-chan time.Time
	if w.cfg.PollInterval > 0 {
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
			if debounce == nil {
				debounce = time.NewTimer(w.cfg.Debounce)
				fire = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.cfg.Debounce)
			}
		case <-fire:
			debounce = nil
			fire = nil
			w.Apply(ctx)
		case <-poll:
			if w.snapshotHash() {
				w.Apply(ctx)
			}
		}
	}
}

func (w *Watcher) forward(ctx context.Context, fsw *fsnotify.Watcher, events chan<- struct{}) {
	target := filepath.Clean(w.cfg.Path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case events <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// snapshotHash reports whether the watched file's content hash changed since
// the last call.
func (w *Watcher) snapshotHash() bool {
	data, err := os.ReadFile(w.cfg.Path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes.Equal(sum[:], w.lastHash[:]) {
		return false
	}
	w.lastHash = sum
	return true
}

// Apply reloads selections and swaps every changed slot. Paused slots are
// skipped with a recorded event; draining slots are retried for a bounded
// time. Swap failures are logged, never propagated.
func (w *Watcher) Apply(ctx context.Context) {
	next, err := w.load()
	if err != nil {
		w.log.Warn("selections reload failed", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.prev
	w.mu.Unlock()

	for domain, keys := range next {
		bridge, ok := w.bridges[domain]
		if !ok {
			continue
		}
		for key, provider := range keys {
			if prev != nil && prev[domain] != nil && prev[domain][key] == provider {
				continue
			}
			if w.applyOne(ctx, bridge, domain, key, provider) {
				w.commit(domain, key, provider)
			}
		}
	}
}

func (w *Watcher) applyOne(ctx context.Context, bridge Swapper, domain registry.Domain, key, provider string) bool {
	flags := bridge.Activity(key)
	if flags.Paused {
		w.emit(ctx, domain, key, provider, "skip-paused")
		return false
	}

	retries := 0
	for flags.Draining {
		if retries >= w.cfg.DrainMaxRetries {
			w.emit(ctx, domain, key, provider, "drain-timeout")
			w.log.Warn("swap deferred past drain retry budget",
				zap.String("domain", string(domain)),
				zap.String("key", key))
			return false
		}
		w.emit(ctx, domain, key, provider, "defer-draining")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.cfg.DrainRetryDelay):
		}
		retries++
		flags = bridge.Activity(key)
	}

	w.emit(ctx, domain, key, provider, "swap")
	if _, err := bridge.Swap(ctx, key, provider, false); err != nil {
		w.log.Warn("selection swap failed",
			zap.String("domain", string(domain)),
			zap.String("key", key),
			zap.String("provider", provider),
			zap.Error(err))
		return false
	}
	return true
}

func (w *Watcher) commit(domain registry.Domain, key, provider string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.prev == nil {
		w.prev = make(map[registry.Domain]map[string]string)
	}
	if w.prev[domain] == nil {
		w.prev[domain] = make(map[string]string)
	}
	w.prev[domain][key] = provider
}

func (w *Watcher) emit(ctx context.Context, domain registry.Domain, key, provider, reason string) {
	w.sink.Emit(ctx, observe.Event{
		Name:     observe.EventWatcherTrigger,
		Domain:   string(domain),
		Key:      key,
		Provider: provider,
		Fields:   map[string]any{"reason": reason},
		At:       time.Now().UTC(),
	})
}
