package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearFeedEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "FEED_HOST", "FEED_SECURE", "FEED_MERCHANT", "API_BASE",
		"HEARTBEAT_INTERVAL", "RECONNECT_BASE", "MAX_RECONNECTS",
		"DATA_PATH", "METRICS_PORT", "REST_TIMEOUT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearFeedEnv(t)
	t.Setenv("FEED_HOST", "trading.example.com")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "trading.example.com", s.Host)
	require.True(t, s.Secure)
	require.False(t, s.Merchant)
	require.Equal(t, "https://trading.example.com", s.APIBase)
	require.Equal(t, 30*time.Second, s.Heartbeat)
	require.Equal(t, 3*time.Second, s.ReconnectBase)
	require.Equal(t, 5, s.MaxReconnects)
	require.Equal(t, 8080, s.MetricsPort)
	require.Equal(t, 5*time.Second, s.RESTTimeout)
	require.Empty(t, s.DataPath)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearFeedEnv(t)
	t.Setenv("FEED_HOST", "dashboard.local:8000")
	t.Setenv("FEED_SECURE", "false")
	t.Setenv("FEED_MERCHANT", "true")
	t.Setenv("HEARTBEAT_INTERVAL", "15s")
	t.Setenv("RECONNECT_BASE", "500ms")
	t.Setenv("MAX_RECONNECTS", "10")
	t.Setenv("METRICS_PORT", "9102")
	t.Setenv("DATA_PATH", "/var/lib/feed")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "dashboard.local:8000", s.Host)
	require.False(t, s.Secure)
	require.True(t, s.Merchant)
	require.Equal(t, "http://dashboard.local:8000", s.APIBase)
	require.Equal(t, 15*time.Second, s.Heartbeat)
	require.Equal(t, 500*time.Millisecond, s.ReconnectBase)
	require.Equal(t, 10, s.MaxReconnects)
	require.Equal(t, 9102, s.MetricsPort)
	require.Equal(t, "/var/lib/feed", s.DataPath)
}

func TestLoadRequiresHost(t *testing.T) {
	clearFeedEnv(t)

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "FEED_HOST")
}

func TestLoadFromYAML(t *testing.T) {
	clearFeedEnv(t)

	content := `
server:
  host: trading.example.com
  secure: true
  apiBase: https://api.trading.example.com
feed:
  heartbeatInterval: 20s
  reconnectBase: 2s
  maxReconnects: 8
  merchant: true
system:
  dataPath: /var/lib/feed
  metricsPort: 9102
  restTimeout: 10s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "trading.example.com", s.Host)
	require.True(t, s.Secure)
	require.True(t, s.Merchant)
	require.Equal(t, "https://api.trading.example.com", s.APIBase)
	require.Equal(t, 20*time.Second, s.Heartbeat)
	require.Equal(t, 2*time.Second, s.ReconnectBase)
	require.Equal(t, 8, s.MaxReconnects)
	require.Equal(t, "/var/lib/feed", s.DataPath)
	require.Equal(t, 9102, s.MetricsPort)
	require.Equal(t, 10*time.Second, s.RESTTimeout)
}

func TestEnvOverridesYAML(t *testing.T) {
	clearFeedEnv(t)

	content := `
server:
  host: from-file.example.com
feed:
  maxReconnects: 3
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("FEED_HOST", "from-env.example.com")
	t.Setenv("MAX_RECONNECTS", "7")

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-env.example.com", s.Host)
	require.Equal(t, 7, s.MaxReconnects)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	clearFeedEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidateSettings(t *testing.T) {
	valid := func() Settings {
		return Settings{
			Host:          "trading.example.com",
			Heartbeat:     30 * time.Second,
			ReconnectBase: 3 * time.Second,
			MaxReconnects: 5,
			MetricsPort:   8080,
			RESTTimeout:   5 * time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "valid", mutate: func(*Settings) {}},
		{name: "missing host", mutate: func(s *Settings) { s.Host = "" }, wantErr: "host is required"},
		{name: "heartbeat too short", mutate: func(s *Settings) { s.Heartbeat = 100 * time.Millisecond }, wantErr: "heartbeat"},
		{name: "heartbeat too long", mutate: func(s *Settings) { s.Heartbeat = 10 * time.Minute }, wantErr: "heartbeat"},
		{name: "reconnect base too short", mutate: func(s *Settings) { s.ReconnectBase = 10 * time.Millisecond }, wantErr: "reconnect base"},
		{name: "too many reconnects", mutate: func(s *Settings) { s.MaxReconnects = 1000 }, wantErr: "max reconnects"},
		{name: "privileged metrics port", mutate: func(s *Settings) { s.MetricsPort = 80 }, wantErr: "metrics port"},
		{name: "rest timeout too long", mutate: func(s *Settings) { s.RESTTimeout = time.Hour }, wantErr: "REST timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := validateSettings(&s)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSettingsDefaults(t *testing.T) {
	s := Settings{
		Host:          "trading.example.com",
		Heartbeat:     30 * time.Second,
		ReconnectBase: 3 * time.Second,
		RESTTimeout:   5 * time.Second,
	}
	require.NoError(t, validateSettings(&s))
	require.Equal(t, "http://trading.example.com", s.APIBase, "empty API base falls back to the host")
	require.Equal(t, 5, s.MaxReconnects)
	require.Equal(t, 8080, s.MetricsPort)
}
