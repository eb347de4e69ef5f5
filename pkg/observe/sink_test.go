package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapSinkEmit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), Event{
		Name:     EventResolveDecision,
		Domain:   "adapter",
		Key:      "cache",
		Provider: "redis",
		Fields:   map[string]any{"shadowed": 1},
	})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, EventResolveDecision, entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "adapter", fields["domain"])
	assert.Equal(t, "redis", fields["provider"])
}

func TestZapSinkEmitError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), Event{Name: EventSwapFailure, Err: "init exploded"})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zap.ErrorLevel, logs.All()[0].Level)
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &RecordingSink{}
	b := &RecordingSink{}
	m := NewMultiSink(a, nil, b)

	m.Emit(context.Background(), Event{Name: EventRegister})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestRecordingSinkNamed(t *testing.T) {
	r := &RecordingSink{}
	r.Emit(context.Background(), Event{Name: EventActivateStart})
	r.Emit(context.Background(), Event{Name: EventActivateSuccess})
	r.Emit(context.Background(), Event{Name: EventActivateStart})

	assert.Len(t, r.Named(EventActivateStart), 2)
	assert.Len(t, r.Named(EventSwapStart), 0)
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.ResolveOutcomes.WithLabelValues("adapter", "selected").Inc()
	m.ResolveOutcomes.WithLabelValues("adapter", "selected").Inc()
	m.DigestChecks.WithLabelValues("mismatch").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolveOutcomes.WithLabelValues("adapter", "selected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DigestChecks.WithLabelValues("mismatch")))
	assert.NotNil(t, m.Handler())
}
