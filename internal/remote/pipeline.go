package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/registry"
	"github.com/oneiric/oneiric/pkg/observe"
	"github.com/oneiric/oneiric/pkg/resilience"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the remote pipeline configuration.
type Config struct {
	Enabled     bool
	ManifestURL string
	CacheDir    string

	RefreshInterval time.Duration
	// RefreshCron, when set, schedules syncs by cron expression instead of a
	// fixed interval.
	RefreshCron string

	HTTPTimeout      time.Duration
	Retry            resilience.RetryPolicy
	BreakerThreshold int
	BreakerReset     time.Duration

	VerifySignature   bool
	TrustedPublicKeys []string
	RequireSignedAt   bool
	MaxAge            time.Duration
	AllowedSkew       time.Duration

	AllowPrivateIPs bool
}

// Report summarizes one sync run. It is also persisted as the telemetry
// record next to the artifact cache.
type Report struct {
	Source     string         `json:"source"`
	SyncedAt   time.Time      `json:"synced_at"`
	Duration   time.Duration  `json:"duration_ns"`
	Registered map[string]int `json:"registered"`
	Rejected   map[string]int `json:"rejected"`
	Errors     []string       `json:"errors,omitempty"`
}

// Pipeline runs manifest syncs against the registry.
type Pipeline struct {
	cfg       Config
	loader    *Loader
	artifacts *ArtifactStore
	guard     *factory.Guard
	reg       *registry.Registry
	sink      observe.Sink
	metrics   *observe.Metrics
	breaker   *resilience.Breaker
	log       *zap.Logger
}

// NewPipeline wires the remote pipeline.
func NewPipeline(cfg Config, guard *factory.Guard, reg *registry.Registry, sink observe.Sink, metrics *observe.Metrics, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = observe.NopSink{}
	}
	loader := NewLoader(cfg.HTTPTimeout, cfg.AllowPrivateIPs)
	bcfg := resilience.DefaultBreakerConfig("remote-manifest")
	if cfg.BreakerThreshold > 0 {
		bcfg.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerReset > 0 {
		bcfg.ResetTimeout = cfg.BreakerReset
	}
	return &Pipeline{
		cfg:       cfg,
		loader:    loader,
		artifacts: NewArtifactStore(cfg.CacheDir, loader.Client()),
		guard:     guard,
		reg:       reg,
		sink:      sink,
		metrics:   metrics,
		breaker:   resilience.NewBreaker(bcfg, sink, metrics),
		log:       log,
	}
}

// Sync runs one full pipeline pass: load, verify, validate, fetch artifacts,
// register. It never panics the caller's loop; all entry-level failures are
// collected in the report.
func (p *Pipeline) Sync(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{
		Registered: make(map[string]int),
		Rejected:   make(map[string]int),
	}
	p.emit(ctx, observe.EventRemoteSyncStart, 0, nil)

	var data []byte
	err := p.breaker.Execute(func() error {
		return resilience.Retry(ctx, p.cfg.Retry, func() error {
			var lerr error
			data, lerr = p.loader.Load(ctx, p.cfg.ManifestURL)
			return lerr
		})
	})
	if err != nil {
		return p.fail(ctx, report, start, fmt.Errorf("load manifest: %w", err))
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return p.fail(ctx, report, start, err)
	}
	report.Source = manifest.Source

	if p.cfg.VerifySignature {
		keys, err := ParseTrustedKeys(p.cfg.TrustedPublicKeys)
		if err != nil {
			return p.fail(ctx, report, start, err)
		}
		if err := VerifySignature(manifest, keys); err != nil {
			p.countSignature("failure")
			return p.fail(ctx, report, start, err)
		}
		p.countSignature("success")
	}
	if err := CheckFreshness(manifest, time.Now().UTC(), p.cfg.MaxAge, p.cfg.AllowedSkew, p.cfg.RequireSignedAt); err != nil {
		return p.fail(ctx, report, start, err)
	}

	for _, entry := range manifest.Entries {
		if err := p.ingest(entry); err != nil {
			report.Rejected[entry.Domain]++
			report.Errors = append(report.Errors, err.Error())
			p.log.Warn("manifest entry rejected",
				zap.String("domain", entry.Domain),
				zap.String("key", entry.Key),
				zap.String("provider", entry.Provider),
				zap.Error(err))
			continue
		}
		report.Registered[entry.Domain]++
	}

	report.SyncedAt = time.Now().UTC()
	report.Duration = time.Since(start)
	if err := p.writeRecord(report); err != nil {
		p.log.Warn("telemetry record write failed", zap.Error(err))
	}
	p.countSync("success")
	p.emit(ctx, observe.EventRemoteSyncOK, report.Duration, nil)
	return report, nil
}

func (p *Pipeline) ingest(entry Entry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	if err := p.guard.Check(entry.Factory); err != nil {
		return err
	}

	cand := registry.Candidate{
		Domain:       registry.Domain(entry.Domain),
		Key:          entry.Key,
		Provider:     entry.Provider,
		Factory:      registry.FactorySpec{Symbol: entry.Factory},
		Priority:     entry.Priority,
		StackLevel:   stackLevel(entry),
		Source:       registry.SourceRemote,
		Capabilities: entry.Capabilities,
		Metadata:     entry.Metadata,
	}
	if entry.Version != "" {
		if cand.Metadata == nil {
			cand.Metadata = make(map[string]string, 1)
		}
		cand.Metadata["version"] = entry.Version
	}

	if entry.URI != "" {
		path, err := p.artifacts.Fetch(entry)
		if err != nil {
			p.countDigest("failure")
			return err
		}
		p.countDigest("success")
		cand.Digest = entry.SHA256
		if cand.Metadata == nil {
			cand.Metadata = make(map[string]string, 1)
		}
		cand.Metadata["artifact_path"] = path
	}

	_, err := p.reg.Register(cand)
	return err
}

func (p *Pipeline) fail(ctx context.Context, report Report, start time.Time, err error) (Report, error) {
	report.Duration = time.Since(start)
	report.Errors = append(report.Errors, err.Error())
	p.countSync("failure")
	p.emit(ctx, observe.EventRemoteSyncFail, report.Duration, err)
	return report, err
}

// writeRecord persists the last-sync telemetry record into the cache dir.
func (p *Pipeline) writeRecord(report Report) error {
	if p.cfg.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.cfg.CacheDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(p.cfg.CacheDir, "last_sync.json")
	tmp, err := os.CreateTemp(p.cfg.CacheDir, ".sync-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// RunLoop re-runs Sync until ctx is cancelled, on the configured cron
// expression or fixed interval. A zero interval and empty cron expression
// means one-shot. Sync failures are logged, never propagated: the registry
// simply keeps its last good state.
func (p *Pipeline) RunLoop(ctx context.Context) error {
	runOnce := func() {
		if _, err := p.Sync(ctx); err != nil {
			p.log.Warn("remote sync failed", zap.String("url", p.cfg.ManifestURL), zap.Error(err))
		}
	}

	runOnce()

	if p.cfg.RefreshCron != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(p.cfg.RefreshCron, runOnce); err != nil {
			return fmt.Errorf("invalid refresh_cron %q: %w", p.cfg.RefreshCron, err)
		}
		sched.Start()
		<-ctx.Done()
		stop := sched.Stop()
		<-stop.Done()
		return ctx.Err()
	}

	if p.cfg.RefreshInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, name string, d time.Duration, err error) {
	e := observe.Event{
		Name:     name,
		Provider: p.cfg.ManifestURL,
		Duration: d,
		At:       time.Now().UTC(),
	}
	if err != nil {
		e.Err = err.Error()
	}
	p.sink.Emit(ctx, e)
}

func (p *Pipeline) countSync(outcome string) {
	if p.metrics != nil {
		p.metrics.RemoteSyncs.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) countDigest(result string) {
	if p.metrics != nil {
		p.metrics.DigestChecks.WithLabelValues(result).Inc()
	}
}

func (p *Pipeline) countSignature(result string) {
	if p.metrics != nil {
		p.metrics.SignatureChecks.WithLabelValues(result).Inc()
	}
}
