// Package config loads and validates operator configuration. Unknown keys are
// rejected so a typo never silently disables a feature.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Profiles.
const (
	ProfileDefault    = "default"
	ProfileServerless = "serverless"
)

// Log is the ambient logging configuration.
type Log struct {
	Environment string `mapstructure:"environment"`
	Level       string `mapstructure:"level"`
}

// Resolver tunes resolution policy.
type Resolver struct {
	DefaultPriority int  `mapstructure:"default_priority"`
	StrictOverrides bool `mapstructure:"strict_overrides"`
}

// Remote is the manifest pipeline configuration.
type Remote struct {
	Enabled         bool          `mapstructure:"enabled"`
	ManifestURL     string        `mapstructure:"manifest_url"`
	CacheDir        string        `mapstructure:"cache_dir"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshCron     string        `mapstructure:"refresh_cron"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`

	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	RetryJitter    float64       `mapstructure:"retry_jitter"`

	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerReset     time.Duration `mapstructure:"circuit_breaker_reset"`
	LatencyBudgetMS         int           `mapstructure:"latency_budget_ms"`

	VerifySignature   bool          `mapstructure:"verify_signature"`
	TrustedPublicKeys []string      `mapstructure:"trusted_public_keys"`
	RequireSignedAt   bool          `mapstructure:"require_signed_at"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	AllowedSkew       time.Duration `mapstructure:"allowed_skew"`

	AllowPrivateIPs bool `mapstructure:"allow_private_ips"`
}

// Lifecycle is the deadline policy.
type Lifecycle struct {
	ActivateTimeout time.Duration `mapstructure:"activate_timeout"`
	InitTimeout     time.Duration `mapstructure:"init_timeout"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout"`
	HookTimeout     time.Duration `mapstructure:"hook_timeout"`
}

// Activity locates the operator-flag store.
type Activity struct {
	StorePath string `mapstructure:"store_path"`
}

// Status locates the status snapshot directory.
type Status struct {
	Dir string `mapstructure:"dir"`
}

// Watchers controls the selections watcher.
type Watchers struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Tracing controls OTLP trace export.
type Tracing struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Config is the full recognized operator surface.
type Config struct {
	Profile string `mapstructure:"profile"`
	Log     Log    `mapstructure:"log"`

	Selections       map[string]map[string]string `mapstructure:"selections"`
	ProviderSettings map[string]map[string]any    `mapstructure:"provider_settings"`
	StackOrder       map[string]int               `mapstructure:"stack_order"`
	FactoryAllowlist []string                     `mapstructure:"factory_allowlist"`

	Resolver  Resolver  `mapstructure:"resolver"`
	Remote    Remote    `mapstructure:"remote"`
	Lifecycle Lifecycle `mapstructure:"lifecycle"`
	Activity  Activity  `mapstructure:"activity"`
	Status    Status    `mapstructure:"status"`
	Watchers  Watchers  `mapstructure:"watchers"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Tracing   Tracing   `mapstructure:"tracing"`

	// Path the config was loaded from; the selections watcher watches it.
	Path string `mapstructure:"-"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Profile: ProfileDefault,
		Log:     Log{Environment: "development", Level: "info"},
		Resolver: Resolver{
			DefaultPriority: 100,
		},
		Remote: Remote{
			CacheDir:                ".oneiric/artifacts",
			RefreshInterval:         5 * time.Minute,
			HTTPTimeout:             30 * time.Second,
			MaxRetries:              3,
			RetryBaseDelay:          500 * time.Millisecond,
			RetryMaxDelay:           10 * time.Second,
			RetryJitter:             0.2,
			CircuitBreakerThreshold: 5,
			CircuitBreakerReset:     30 * time.Second,
			AllowedSkew:             time.Minute,
		},
		Lifecycle: Lifecycle{
			ActivateTimeout: 30 * time.Second,
			InitTimeout:     30 * time.Second,
			HealthTimeout:   5 * time.Second,
			CleanupTimeout:  10 * time.Second,
			HookTimeout:     5 * time.Second,
		},
		Activity: Activity{StorePath: ".oneiric/activity.json"},
		Status:   Status{Dir: ".oneiric/status"},
		Watchers: Watchers{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			Debounce:     500 * time.Millisecond,
		},
		Metrics: Metrics{ListenAddr: ":9464"},
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides, then the profile. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.Path = path
	}
	applyEnv(&cfg)
	cfg.ApplyProfile()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode strict-decodes YAML bytes into cfg. Unknown keys are an error.
func Decode(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("unrecognized or malformed keys: %w", err)
	}
	return nil
}

// ApplyProfile enforces profile-derived settings. The serverless profile
// disables every long-running loop so cold starts stay fast.
func (c *Config) ApplyProfile() {
	if c.Profile == "" {
		c.Profile = ProfileDefault
	}
	if c.Profile == ProfileServerless {
		c.Watchers.Enabled = false
		c.Remote.RefreshInterval = 0
		c.Remote.RefreshCron = ""
		c.Metrics.Enabled = false
		c.Tracing.Enabled = false
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Profile {
	case ProfileDefault, ProfileServerless:
	default:
		return fmt.Errorf("unknown profile %q", c.Profile)
	}
	if c.Remote.Enabled && c.Remote.ManifestURL == "" {
		return fmt.Errorf("remote.enabled requires remote.manifest_url")
	}
	if c.Remote.RetryJitter < 0 || c.Remote.RetryJitter > 1 {
		return fmt.Errorf("remote.retry_jitter %v outside [0, 1]", c.Remote.RetryJitter)
	}
	if c.Remote.VerifySignature && len(c.Remote.TrustedPublicKeys) == 0 {
		return fmt.Errorf("remote.verify_signature requires remote.trusted_public_keys")
	}
	return nil
}

// applyEnv layers process environment overrides over the file.
func applyEnv(c *Config) {
	if v := os.Getenv("ONEIRIC_PROFILE"); v != "" {
		c.Profile = v
	}
	if v := os.Getenv("ONEIRIC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ONEIRIC_ENVIRONMENT"); v != "" {
		c.Log.Environment = v
	}
	if v := os.Getenv("ONEIRIC_REMOTE_MANIFEST_URL"); v != "" {
		c.Remote.ManifestURL = v
		c.Remote.Enabled = true
	}
	if v := os.Getenv("ONEIRIC_REMOTE_CACHE_DIR"); v != "" {
		c.Remote.CacheDir = v
	}
	if v := os.Getenv("ONEIRIC_ACTIVITY_STORE_PATH"); v != "" {
		c.Activity.StorePath = v
	}
	if v := os.Getenv("ONEIRIC_STATUS_DIR"); v != "" {
		c.Status.Dir = v
	}
	if v := os.Getenv("ONEIRIC_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("ONEIRIC_WATCHERS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Watchers.Enabled = b
		}
	}
}

// SelectionFor returns the configured provider override for a slot, if any.
func (c *Config) SelectionFor(domain, key string) (string, bool) {
	keys, ok := c.Selections[domain]
	if !ok {
		return "", false
	}
	p, ok := keys[key]
	return p, ok
}

// PriorityFor is the stack_order feed for the resolver's priority source.
func (c *Config) PriorityFor(provider string) (int, bool) {
	p, ok := c.StackOrder[provider]
	return p, ok
}
