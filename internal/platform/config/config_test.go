package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.NoError(t, LowResource().Validate())
	assert.Equal(t, 30*time.Second, Default().EmergencyInterval)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "carehome.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
emergency_interval: 10s
max_sessions: 3
users:
  - username: researcher
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"
`), 0o644))

	t.Setenv("CAREHOME_MAX_SESSIONS", "5")
	t.Setenv("CAREHOME_EMERGENCY_INTERVAL", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.EmergencyInterval)
	assert.Equal(t, 5, cfg.MaxSessions)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "researcher", cfg.Users[0].Username)
	// Unset keys keep the preset.
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("CAREHOME_SESSION_IDLE_TIMEOUT", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "CAREHOME_SESSION_IDLE_TIMEOUT")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.EmergencyInterval = 0
	cfg.MaxSessions = -1
	cfg.Users = []SeedUser{{Username: "admin"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emergency_interval")
	assert.Contains(t, err.Error(), "max_sessions")
	assert.Contains(t, err.Error(), "users[0]")
}

func TestLoadEnvOverridesLimiterAndProxies(t *testing.T) {
	t.Setenv("CAREHOME_SWEEP_INTERVAL", "15s")
	t.Setenv("CAREHOME_LOGIN_RATE_MAX", "4")
	t.Setenv("CAREHOME_LOGIN_RATE_WINDOW", "2m")
	t.Setenv("CAREHOME_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, RateLimit{Max: 4, Window: 2 * time.Minute}, cfg.LoginRateLimit)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.TrustedProxies)
}

func TestLoadRejectsBadRateMax(t *testing.T) {
	t.Setenv("CAREHOME_LOGIN_RATE_MAX", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "CAREHOME_LOGIN_RATE_MAX")
}

func TestParseProxy(t *testing.T) {
	p, err := ParseProxy("192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1/32", p.String())

	p, err = ParseProxy("10.1.2.3/8")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", p.String())

	_, err = ParseProxy("proxy.internal")
	assert.Error(t, err)

	cfg := Default()
	cfg.TrustedProxies = []string{"not-an-ip"}
	assert.ErrorContains(t, cfg.Validate(), "trusted_proxies")
}
