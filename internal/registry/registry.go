package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/pkg/observe"
)

type slot struct {
	domain Domain
	key    string
}

// Registry maintains the set of candidates grouped by (domain, key).
// Mutations serialize on an exclusive lock; reads operate over cloned
// snapshots so no caller ever observes a partially-applied change.
type Registry struct {
	mu    sync.RWMutex
	slots map[slot]map[string]*Candidate // (domain,key) -> provider -> candidate
	seq   atomic.Uint64
	sink  observe.Sink
	log   *zap.Logger
}

// New creates an empty registry. sink may be nil.
func New(log *zap.Logger, sink observe.Sink) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = observe.NopSink{}
	}
	return &Registry{
		slots: make(map[slot]map[string]*Candidate),
		sink:  sink,
		log:   log,
	}
}

// Register validates the candidate, applies replace semantics on
// (domain, key, provider), assigns a strictly increasing sequence, and
// returns it.
func (r *Registry) Register(c Candidate) (uint64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if c.Source == "" {
		c.Source = SourceLocal
	}

	r.mu.Lock()
	s := slot{domain: c.Domain, key: c.Key}
	providers, ok := r.slots[s]
	if !ok {
		providers = make(map[string]*Candidate)
		r.slots[s] = providers
	}
	c.Sequence = r.seq.Inc()
	stored := c.Clone()
	providers[c.Provider] = &stored
	r.mu.Unlock()

	r.log.Debug("candidate registered",
		zap.String("domain", string(c.Domain)),
		zap.String("key", c.Key),
		zap.String("provider", c.Provider),
		zap.Uint64("sequence", c.Sequence))
	r.sink.Emit(context.Background(), observe.Event{
		Name:     observe.EventRegister,
		Domain:   string(c.Domain),
		Key:      c.Key,
		Provider: c.Provider,
		Fields:   map[string]any{"sequence": c.Sequence, "source": string(c.Source)},
		At:       time.Now().UTC(),
	})
	return c.Sequence, nil
}

// Unregister removes a candidate. It is idempotent and reports whether an
// entry was removed.
func (r *Registry) Unregister(domain Domain, key, provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := slot{domain: domain, key: key}
	providers, ok := r.slots[s]
	if !ok {
		return false
	}
	if _, ok := providers[provider]; !ok {
		return false
	}
	delete(providers, provider)
	if len(providers) == 0 {
		delete(r.slots, s)
	}
	return true
}

// Lookup returns clones of the candidates registered for (domain, key),
// ordered by sequence.
func (r *Registry) Lookup(domain Domain, key string) []Candidate {
	r.mu.RLock()
	providers := r.slots[slot{domain: domain, key: key}]
	out := make([]Candidate, 0, len(providers))
	for _, c := range providers {
		out = append(out, c.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// List returns candidates for a domain ordered by sequence. An empty key
// returns every slot in the domain.
func (r *Registry) List(domain Domain, key string) []Candidate {
	if key != "" {
		return r.Lookup(domain, key)
	}

	r.mu.RLock()
	var out []Candidate
	for s, providers := range r.slots {
		if s.domain != domain {
			continue
		}
		for _, c := range providers {
			out = append(out, c.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Keys returns the distinct keys registered under a domain.
func (r *Registry) Keys(domain Domain) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for s := range r.slots {
		if s.domain == domain {
			keys = append(keys, s.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a structurally-cloned view of every candidate, ordered by
// sequence.
func (r *Registry) Snapshot() []Candidate {
	r.mu.RLock()
	var out []Candidate
	for _, providers := range r.slots {
		for _, c := range providers {
			out = append(out, c.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Clear removes every candidate. The sequence counter is not reset so
// sequences stay strictly increasing across the process lifetime.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = make(map[slot]map[string]*Candidate)
}

// LastSequence returns the highest sequence assigned so far. Observers may
// use it to detect stale views.
func (r *Registry) LastSequence() uint64 {
	return r.seq.Load()
}
