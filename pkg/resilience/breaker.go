package resilience

import (
	"context"
	"errors"
	"time"

	cb "github.com/sony/gobreaker"

	oerr "github.com/oneiric/oneiric/pkg/errors"
	"github.com/oneiric/oneiric/pkg/observe"
)

// BreakerConfig controls the three-state circuit breaker guarding the remote
// loader: closed -> open after FailureThreshold consecutive failures, open for
// ResetTimeout, half-open permits a single probe.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig matches the remote pipeline defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker wraps a gobreaker.CircuitBreaker and reports state transitions into
// the observability seam.
type Breaker struct {
	inner   *cb.CircuitBreaker
	sink    observe.Sink
	metrics *observe.Metrics
}

// NewBreaker builds a breaker from config. sink and metrics may be nil.
func NewBreaker(cfg BreakerConfig, sink observe.Sink, metrics *observe.Metrics) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = observe.NopSink{}
	}

	b := &Breaker{sink: sink, metrics: metrics}
	b.inner = cb.NewCircuitBreaker(cb.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // half-open permits a single probe
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to cb.State) {
			b.sink.Emit(context.Background(), observe.Event{
				Name: observe.EventBreaker,
				Fields: map[string]any{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				},
				At: time.Now().UTC(),
			})
			if b.metrics != nil {
				b.metrics.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			}
		},
	})
	return b
}

// Execute runs op through the breaker. When the breaker refuses the call the
// returned error matches oerr.ErrCircuitOpen.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.inner.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return oerr.ErrCircuitOpen
	}
	return err
}

// State reports the current breaker state as a string (closed, half-open, open).
func (b *Breaker) State() string {
	return b.inner.State().String()
}
