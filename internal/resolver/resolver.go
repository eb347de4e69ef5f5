// Package resolver answers "which candidate wins for (domain, key)?" and
// explains why. Resolution is pure: it never instantiates, imports, or
// performs I/O.
package resolver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/registry"
	oerr "github.com/oneiric/oneiric/pkg/errors"
	"github.com/oneiric/oneiric/pkg/observe"
)

// PrioritySource returns the operator-configured effective priority for a
// provider label, typically derived from stack ordering.
type PrioritySource func(provider string) (int, bool)

// Options are the per-call resolve inputs.
type Options struct {
	// Override is an explicit provider selection from configuration or the
	// caller. Empty means no override.
	Override string
	// Capabilities are required capabilities; candidates that do not satisfy
	// all of them are shadowed.
	Capabilities []string
	// Priority supplies effective priorities for candidates with unset
	// priority. May be nil.
	Priority PrioritySource
}

// Priority provenance recorded in the trace.
const (
	PriorityExplicit = "explicit"
	PriorityEnv      = "env"
	PriorityDefault  = "default"
)

// Score is the 5-tuple compared lexicographically; larger wins.
type Score struct {
	OverrideMatch   int
	CapabilityMatch int
	Priority        int
	StackLevel      int
	Sequence        uint64
}

// Less reports whether s orders strictly below o.
func (s Score) Less(o Score) bool {
	if s.OverrideMatch != o.OverrideMatch {
		return s.OverrideMatch < o.OverrideMatch
	}
	if s.CapabilityMatch != o.CapabilityMatch {
		return s.CapabilityMatch < o.CapabilityMatch
	}
	if s.Priority != o.Priority {
		return s.Priority < o.Priority
	}
	if s.StackLevel != o.StackLevel {
		return s.StackLevel < o.StackLevel
	}
	return s.Sequence < o.Sequence
}

// Considered is one candidate's entry in the explanation trace.
type Considered struct {
	Provider     string
	Score        Score
	PriorityFrom string
	Shadowed     bool
	Reason       string
	Selected     bool
}

// Trace is the pure value explaining a resolution.
type Trace struct {
	Domain       registry.Domain
	Key          string
	Override     string
	Capabilities []string
	Considered   []Considered
}

// Result is the outcome of a successful resolve.
type Result struct {
	Selected registry.Candidate
	Shadowed []registry.Candidate
	Trace    Trace
}

// Config controls resolver-wide policy.
type Config struct {
	// DefaultPriority applies when neither the candidate nor the priority
	// source supplies one.
	DefaultPriority int
	// StrictOverrides makes an override that matches no registered provider
	// an error instead of being ignored.
	StrictOverrides bool
}

// Resolver selects candidates from a registry.
type Resolver struct {
	reg     *registry.Registry
	cfg     Config
	sink    observe.Sink
	metrics *observe.Metrics
	log     *zap.Logger
}

// New creates a resolver over the registry. sink and metrics may be nil.
func New(reg *registry.Registry, cfg Config, log *zap.Logger, sink observe.Sink, metrics *observe.Metrics) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = observe.NopSink{}
	}
	return &Resolver{reg: reg, cfg: cfg, sink: sink, metrics: metrics, log: log}
}

// Resolve selects the candidate with the lexicographically largest score
// tuple. Sequence uniqueness makes ties impossible; the defensive tie break
// built into Score.Less prefers the candidate inserted latest.
func (r *Resolver) Resolve(domain registry.Domain, key string, opts Options) (Result, error) {
	candidates := r.reg.Lookup(domain, key)
	if len(candidates) == 0 {
		r.observe(domain, "no_candidate")
		return Result{}, fmt.Errorf("%w: %s/%s", oerr.ErrNoCandidate, domain, key)
	}

	if opts.Override != "" {
		known := false
		for i := range candidates {
			if candidates[i].Provider == opts.Override {
				known = true
				break
			}
		}
		if !known {
			if r.cfg.StrictOverrides {
				r.observe(domain, "unknown_override")
				return Result{}, fmt.Errorf("%w: %q for %s/%s", oerr.ErrUnknownProviderOverride, opts.Override, domain, key)
			}
			// lenient policy: an unmatched override is ignored
			opts.Override = ""
		}
	}

	trace := Trace{
		Domain:       domain,
		Key:          key,
		Override:     opts.Override,
		Capabilities: append([]string(nil), opts.Capabilities...),
	}

	var (
		selected    *registry.Candidate
		selectedIdx = -1
		best        Score
		shadowed    []registry.Candidate
	)

	for i := range candidates {
		c := &candidates[i]
		score, from := r.score(c, opts)
		entry := Considered{
			Provider:     c.Provider,
			Score:        score,
			PriorityFrom: from,
		}

		if len(opts.Capabilities) > 0 && !satisfiesAll(c, opts.Capabilities) {
			entry.Shadowed = true
			entry.Reason = fmt.Sprintf("missing capabilities (%d/%d matched)", score.CapabilityMatch, len(opts.Capabilities))
			trace.Considered = append(trace.Considered, entry)
			shadowed = append(shadowed, *c)
			continue
		}

		if selected == nil || best.Less(score) {
			if selected != nil {
				shadowed = append(shadowed, *selected)
				trace.Considered[selectedIdx].Selected = false
				trace.Considered[selectedIdx].Shadowed = true
				trace.Considered[selectedIdx].Reason = shadowReason(trace.Considered[selectedIdx].Score, score)
			}
			selected = c
			best = score
			entry.Selected = true
			trace.Considered = append(trace.Considered, entry)
			selectedIdx = len(trace.Considered) - 1
		} else {
			entry.Shadowed = true
			entry.Reason = shadowReason(score, best)
			trace.Considered = append(trace.Considered, entry)
			shadowed = append(shadowed, *c)
		}
	}

	if selected == nil {
		r.observe(domain, "no_capable_candidate")
		return Result{Trace: trace}, fmt.Errorf("%w: %s/%s requires %v", oerr.ErrNoCapableCandidate, domain, key, opts.Capabilities)
	}

	r.observe(domain, "selected")
	r.sink.Emit(context.Background(), observe.Event{
		Name:     observe.EventResolveDecision,
		Domain:   string(domain),
		Key:      key,
		Provider: selected.Provider,
		Fields: map[string]any{
			"override":   trace.Override,
			"shadowed":   len(shadowed),
			"sequence":   selected.Sequence,
			"stackLevel": selected.StackLevel,
		},
		At: time.Now().UTC(),
	})

	return Result{Selected: *selected, Shadowed: shadowed, Trace: trace}, nil
}

// Explain runs resolution and returns the trace, also when resolution fails
// with NoCapableCandidate.
func (r *Resolver) Explain(domain registry.Domain, key string, opts Options) (Trace, error) {
	res, err := r.Resolve(domain, key, opts)
	return res.Trace, err
}

func (r *Resolver) score(c *registry.Candidate, opts Options) (Score, string) {
	s := Score{
		StackLevel: c.StackLevel,
		Sequence:   c.Sequence,
	}
	if opts.Override != "" && opts.Override == c.Provider {
		s.OverrideMatch = 1
	}
	for _, want := range opts.Capabilities {
		if c.HasCapability(want) {
			s.CapabilityMatch++
		}
	}

	from := PriorityDefault
	switch {
	case c.Priority != nil:
		s.Priority = *c.Priority
		from = PriorityExplicit
	case opts.Priority != nil:
		if p, ok := opts.Priority(c.Provider); ok {
			s.Priority = p
			from = PriorityEnv
		} else {
			s.Priority = r.cfg.DefaultPriority
		}
	default:
		s.Priority = r.cfg.DefaultPriority
	}
	if s.Priority > registry.MaxPriority {
		s.Priority = registry.MaxPriority
	}
	if s.Priority < registry.MinPriority {
		s.Priority = registry.MinPriority
	}
	return s, from
}

func (r *Resolver) observe(domain registry.Domain, outcome string) {
	if r.metrics != nil {
		r.metrics.ResolveOutcomes.WithLabelValues(string(domain), outcome).Inc()
	}
	r.log.Debug("resolve outcome", zap.String("domain", string(domain)), zap.String("outcome", outcome))
}

func satisfiesAll(c *registry.Candidate, caps []string) bool {
	for _, want := range caps {
		if !c.HasCapability(want) {
			return false
		}
	}
	return true
}

func shadowReason(loser, winner Score) string {
	switch {
	case loser.OverrideMatch != winner.OverrideMatch:
		return fmt.Sprintf("override_match %d < %d", loser.OverrideMatch, winner.OverrideMatch)
	case loser.CapabilityMatch != winner.CapabilityMatch:
		return fmt.Sprintf("capability_match %d < %d", loser.CapabilityMatch, winner.CapabilityMatch)
	case loser.Priority != winner.Priority:
		return fmt.Sprintf("priority %d < %d", loser.Priority, winner.Priority)
	case loser.StackLevel != winner.StackLevel:
		return fmt.Sprintf("stack_level %d < %d", loser.StackLevel, winner.StackLevel)
	default:
		return fmt.Sprintf("sequence %d < %d", loser.Sequence, winner.Sequence)
	}
}
