package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("RADARR_URL", "http://radarr:7878")
	t.Setenv("RADARR_API_KEY", "radarr-key")
	t.Setenv("SONARR_URL", "http://sonarr:8989")
	t.Setenv("SONARR_API_KEY", "sonarr-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.HealthCheckInterval)
	assert.Equal(t, 2*time.Hour, cfg.AutoHealInterval)
	assert.Equal(t, 24*time.Hour, cfg.DiscoveryInterval)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 10000, cfg.CacheMaxEntries)
	assert.False(t, cfg.DiscoveryEnabled)
}

func TestLoadTrimsTrailingSlashes(t *testing.T) {
	setRequired(t)
	t.Setenv("RADARR_URL", "http://radarr:7878/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://radarr:7878", cfg.RadarrURL)
}

func TestLoadRequiresServiceCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("SONARR_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SONARR")
}

func TestLoadRejectsPlaceholderKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("RADARR_API_KEY", "your_api_key_here")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholder")
}

func TestLoadProwlarrNeedsKey(t *testing.T) {
	setRequired(t)
	t.Setenv("PROWLARR_URL", "http://prowlarr:9696")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROWLARR_API_KEY")
}

func TestLoadDiscoveryNeedsSources(t *testing.T) {
	setRequired(t)
	t.Setenv("ARRWARDEN_DISCOVERY_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISCOVERY_SOURCES")
}

func TestLoadDiscoverySourcesSplit(t *testing.T) {
	setRequired(t)
	t.Setenv("ARRWARDEN_DISCOVERY_ENABLED", "true")
	t.Setenv("ARRWARDEN_DISCOVERY_SOURCES", " https://a.test , https://b.test ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.DiscoverySources)
}

func TestEnvHelpersFallBackOnBadValues(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	assert.Equal(t, 7, envInt("TEST_INT_BAD", 7))

	t.Setenv("TEST_BOOL_BAD", "maybe")
	assert.False(t, envBool("TEST_BOOL_BAD", false))

	t.Setenv("TEST_DUR_BAD", "soon")
	assert.Equal(t, time.Minute, envDuration("TEST_DUR_BAD", time.Minute))

	t.Setenv("TEST_FLOAT_BAD", "fast")
	assert.Equal(t, 2.5, envFloat("TEST_FLOAT_BAD", 2.5))
}

func TestLoadRateLimitValidation(t *testing.T) {
	setRequired(t)
	t.Setenv("ARRWARDEN_RATE_LIMIT_ENABLED", "true")
	t.Setenv("ARRWARDEN_RATE_LIMIT_RPS", "0")

	_, err := Load()
	assert.Error(t, err)
}
