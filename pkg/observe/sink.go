// Package observe is the observability seam of the Oneiric core: structured
// events, Prometheus counters, and OpenTelemetry spans emitted at well-defined
// program points. The core does not prescribe an exporter; it only writes into
// the Sink it receives at construction.
package observe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names emitted by the core.
const (
	EventRegister        = "register"
	EventResolveDecision = "resolve-decision"
	EventActivateStart   = "activate-start"
	EventActivateSuccess = "activate-success"
	EventActivateFailure = "activate-failure"
	EventSwapStart       = "swap-start"
	EventSwapSuccess     = "swap-success"
	EventSwapFailure     = "swap-failure"
	EventRollbackSuccess = "rollback-success"
	EventHealthProbe     = "health-probe"
	EventRemoteSyncStart = "remote-sync-start"
	EventRemoteSyncOK    = "remote-sync-success"
	EventRemoteSyncFail  = "remote-sync-failure"
	EventActivity        = "activity-event"
	EventWatcherTrigger  = "watcher-trigger"
	EventBreaker         = "breaker-transition"
)

// Event is a single structured record.
type Event struct {
	Name     string
	Domain   string
	Key      string
	Provider string
	Duration time.Duration
	Err      string
	Fields   map[string]any
	At       time.Time
}

// Sink receives structured events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// ZapSink writes events to a zap logger at info level (error level when the
// event carries an error).
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink creates a sink backed by the given logger.
func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log}
}

func (s *ZapSink) Emit(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event", e.Name),
	}
	if e.Domain != "" {
		fields = append(fields, zap.String("domain", e.Domain))
	}
	if e.Key != "" {
		fields = append(fields, zap.String("key", e.Key))
	}
	if e.Provider != "" {
		fields = append(fields, zap.String("provider", e.Provider))
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	if e.Err != "" {
		fields = append(fields, zap.String("error", e.Err))
		s.log.Error(e.Name, fields...)
		return
	}
	s.log.Info(e.Name, fields...)
}

// MultiSink fans an event out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

func (m *MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

// RecordingSink keeps emitted events in memory. Intended for tests.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingSink) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything emitted so far.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the emitted events with the given name.
func (r *RecordingSink) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
