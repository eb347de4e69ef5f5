package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
profile: default
log:
  environment: production
  level: warn
selections:
  adapter:
    cache: redis
provider_settings:
  redis:
    addr: localhost:6379
stack_order:
  redis: 200
  memory: 100
factory_allowlist:
  - "oneiric."
remote:
  enabled: true
  manifest_url: https://example.com/manifest.yaml
  refresh_interval: 90s
  verify_signature: true
  trusted_public_keys:
    - "AAAA"
lifecycle:
  activate_timeout: 45s
watchers:
  poll_interval: 2s
`

func TestLoadSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oneiric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "redis", cfg.Selections["adapter"]["cache"])
	assert.Equal(t, "localhost:6379", cfg.ProviderSettings["redis"]["addr"])
	assert.Equal(t, 90*time.Second, cfg.Remote.RefreshInterval)
	assert.Equal(t, 45*time.Second, cfg.Lifecycle.ActivateTimeout)
	assert.Equal(t, 2*time.Second, cfg.Watchers.PollInterval)
	// untouched defaults survive
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.HealthTimeout)
	assert.Equal(t, path, cfg.Path)

	p, ok := cfg.SelectionFor("adapter", "cache")
	require.True(t, ok)
	assert.Equal(t, "redis", p)

	prio, ok := cfg.PriorityFor("redis")
	require.True(t, ok)
	assert.Equal(t, 200, prio)
}

func TestUnknownKeysRejected(t *testing.T) {
	cfg := Default()
	err := Decode([]byte("selektions:\n  adapter: {}\n"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selektions")

	cfg = Default()
	err = Decode([]byte("remote:\n  manifest_uri: x\n"), &cfg)
	require.Error(t, err)
}

func TestServerlessProfileForcesOneShot(t *testing.T) {
	cfg := Default()
	cfg.Profile = ProfileServerless
	cfg.Watchers.Enabled = true
	cfg.Remote.RefreshInterval = time.Minute
	cfg.Remote.RefreshCron = "@hourly"
	cfg.ApplyProfile()

	assert.False(t, cfg.Watchers.Enabled)
	assert.Zero(t, cfg.Remote.RefreshInterval)
	assert.Empty(t, cfg.Remote.RefreshCron)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Profile = "turbo"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Remote.Enabled = true
	assert.Error(t, cfg.Validate(), "enabled remote needs a url")

	cfg = Default()
	cfg.Remote.Enabled = true
	cfg.Remote.ManifestURL = "https://example.com/m.yaml"
	cfg.Remote.VerifySignature = true
	assert.Error(t, cfg.Validate(), "verification needs trusted keys")

	cfg.Remote.TrustedPublicKeys = []string{"AAAA"}
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ONEIRIC_LOG_LEVEL", "debug")
	t.Setenv("ONEIRIC_REMOTE_MANIFEST_URL", "https://example.com/m.yaml")
	t.Setenv("ONEIRIC_WATCHERS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Remote.Enabled)
	assert.Equal(t, "https://example.com/m.yaml", cfg.Remote.ManifestURL)
	assert.False(t, cfg.Watchers.Enabled)
}
