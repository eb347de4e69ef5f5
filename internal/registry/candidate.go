// Package registry holds the candidate model and the registry of known
// providers, grouped by (domain, key) slot.
package registry

import (
	"context"
	"fmt"
	"regexp"

	oerr "github.com/oneiric/oneiric/pkg/errors"
)

// Domain is the closed set of slot domains validated by this core.
type Domain string

const (
	DomainAdapter  Domain = "adapter"
	DomainService  Domain = "service"
	DomainTask     Domain = "task"
	DomainEvent    Domain = "event"
	DomainWorkflow Domain = "workflow"
)

// Domains lists every valid domain.
func Domains() []Domain {
	return []Domain{DomainAdapter, DomainService, DomainTask, DomainEvent, DomainWorkflow}
}

// Valid reports whether the domain belongs to the closed set.
func (d Domain) Valid() bool {
	switch d {
	case DomainAdapter, DomainService, DomainTask, DomainEvent, DomainWorkflow:
		return true
	}
	return false
}

// Source tags candidate provenance.
type Source string

const (
	SourceLocal      Source = "local"
	SourceEntryPoint Source = "entry_point"
	SourceRemote     Source = "remote"
)

// Bounds on candidate ordering fields.
const (
	MinPriority   = -1000
	MaxPriority   = 1000
	MinStackLevel = -100
	MaxStackLevel = 100
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)

// Constructor builds a provider instance. Settings come from the domain
// bridge's settings cache; they may be nil.
type Constructor func(ctx context.Context, settings map[string]any) (any, error)

// HealthFunc is an optional candidate-level health probe, evaluated before
// the instance's own health surface.
type HealthFunc func(ctx context.Context) error

// FactorySpec is the tagged union of factory forms: an in-process constructor
// or a symbolic "module:symbol" reference resolved through the factory guard.
type FactorySpec struct {
	Fn     Constructor
	Symbol string
}

// Callable reports whether the spec carries an in-process constructor.
func (f FactorySpec) Callable() bool { return f.Fn != nil }

// Empty reports whether neither form is set.
func (f FactorySpec) Empty() bool { return f.Fn == nil && f.Symbol == "" }

// String renders the spec for traces and status documents.
func (f FactorySpec) String() string {
	if f.Fn != nil {
		return "<callable>"
	}
	return f.Symbol
}

// Candidate is a registered provider for a single (domain, key) slot.
// Candidates are value-like: the registry hands out copies, and the lifecycle
// manager never mutates them.
type Candidate struct {
	Domain       Domain
	Key          string
	Provider     string
	Factory      FactorySpec
	Priority     *int // nil means unset
	StackLevel   int
	Sequence     uint64 // assigned by the registry
	Source       Source
	Capabilities []string
	Metadata     map[string]string
	Health       HealthFunc
	Digest       string // hex sha256 when installed from a remote artifact
}

// Validate checks the candidate against the registration invariants.
func (c *Candidate) Validate() error {
	if !c.Domain.Valid() {
		return fmt.Errorf("%w: unknown domain %q", oerr.ErrInvalidCandidate, c.Domain)
	}
	if !nameRe.MatchString(c.Key) {
		return fmt.Errorf("%w: key %q does not match %s", oerr.ErrInvalidCandidate, c.Key, nameRe.String())
	}
	if !nameRe.MatchString(c.Provider) {
		return fmt.Errorf("%w: provider %q does not match %s", oerr.ErrInvalidCandidate, c.Provider, nameRe.String())
	}
	if c.Factory.Empty() {
		return fmt.Errorf("%w: factory is required", oerr.ErrInvalidCandidate)
	}
	if c.Priority != nil && (*c.Priority < MinPriority || *c.Priority > MaxPriority) {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", oerr.ErrInvalidCandidate, *c.Priority, MinPriority, MaxPriority)
	}
	if c.StackLevel < MinStackLevel || c.StackLevel > MaxStackLevel {
		return fmt.Errorf("%w: stack_level %d outside [%d, %d]", oerr.ErrInvalidCandidate, c.StackLevel, MinStackLevel, MaxStackLevel)
	}
	switch c.Source {
	case "", SourceLocal, SourceEntryPoint, SourceRemote:
	default:
		return fmt.Errorf("%w: unknown source %q", oerr.ErrInvalidCandidate, c.Source)
	}
	return nil
}

// HasCapability reports whether the candidate declares the capability.
func (c *Candidate) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// Clone returns a structural copy safe to hand to consumers. The factory
// function and health probe are shared by reference; everything else is
// copied.
func (c *Candidate) Clone() Candidate {
	out := *c
	if c.Capabilities != nil {
		out.Capabilities = append([]string(nil), c.Capabilities...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Priority != nil {
		p := *c.Priority
		out.Priority = &p
	}
	return out
}

// IntPtr is a convenience for building candidates with explicit priority.
func IntPtr(v int) *int { return &v }
