package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MARKETSTREAM_AUTH_JWT_SECRET", "test-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WS.PongTimeout)
	assert.Equal(t, 2, cfg.WS.MaxMissedPings)
	assert.Equal(t, 256, cfg.WS.SendQueueSize)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.False(t, cfg.Feed.Redis.Enabled)
	assert.False(t, cfg.Feed.Kafka.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingSecret(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoadYAMLFile(t *testing.T) {
	doc := map[string]interface{}{
		"server": map[string]interface{}{
			"host": "127.0.0.1",
			"port": 9000,
		},
		"websocket": map[string]interface{}{
			"ping_interval":   "15s",
			"send_queue_size": 64,
		},
		"auth": map[string]interface{}{
			"jwt_secret": "file-secret",
			"issuer":     "finsight",
		},
		"feed": map[string]interface{}{
			"redis": map[string]interface{}{
				"enabled": true,
				"addr":    "redis:6379",
			},
		},
	}
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, 15*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, 64, cfg.WS.SendQueueSize)
	// Unset fields keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.WS.PongTimeout)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "finsight", cfg.Auth.Issuer)
	assert.True(t, cfg.Feed.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Feed.Redis.Addr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("MARKETSTREAM_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("MARKETSTREAM_SERVER_PORT", "9100")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
