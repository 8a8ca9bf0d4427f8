package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := ReadConfig(path)
	require.Error(t, err)
	assert.FileExists(t, path)

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 61614, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatSend())
	assert.True(t, cfg.Nack.Requeue)
}

func TestReadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	data := []byte(`
debug_mode: true
server:
  port: 62000
tls:
  enabled: false
heartbeat:
  send: 2s
  receive: 3s
nack:
  requeue: false
  max_redeliveries: 4
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.DebugMode)
	assert.Equal(t, 62000, cfg.Server.Port)
	assert.False(t, cfg.TLS.Enabled)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatReceive())
	assert.Equal(t, 4, cfg.Nack.MaxRedeliveries)
	// untouched keys keep their defaults
	assert.Equal(t, 1.5, cfg.Heartbeat.Tolerance)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tls":{"enabled":false}}`), 0644))
	t.Setenv("STOMP_PORT", "61700")
	t.Setenv("STOMP_DEBUG", "true")

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 61700, cfg.Server.Port)
	assert.True(t, cfg.DebugMode)

	t.Setenv("STOMP_PORT", "not-a-number")
	_, err = ReadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, false},
		{"tls without cert", func(c *Config) { c.TLS.CertFile = "" }, false},
		{"unknown client auth", func(c *Config) { c.TLS.ClientAuth = "sometimes" }, false},
		{"required without ca", func(c *Config) { c.TLS.ClientAuth = "required"; c.TLS.CAFile = "" }, false},
		{"plain tcp without files", func(c *Config) { c.TLS.Enabled = false; c.TLS.CertFile = ""; c.TLS.CAFile = "" }, true},
		{"bad duration", func(c *Config) { c.Heartbeat.Send = "soon" }, false},
		{"low tolerance", func(c *Config) { c.Heartbeat.Tolerance = 0.5 }, false},
		{"unknown principal source", func(c *Config) { c.TLS.PrincipalFrom = "serial" }, false},
		{"bad database connect timeout", func(c *Config) { c.Database.ConnectTimeout = "10 seconds" }, false},
		{"bad database socket timeout", func(c *Config) { c.Database.SocketTimeout = "30x" }, false},
		{"bad database idle timeout", func(c *Config) { c.Database.ConnectIdleTimeout = "-5m" }, false},
		{"bad database heartbeat", func(c *Config) { c.Database.Heartbeat = "often" }, false},
		{"negative pending limit", func(c *Config) { c.Server.MaxPendingMessages = -1 }, false},
		{"negative registry shards", func(c *Config) { c.Server.RegistryShards = -4 }, false},
		{"negative memory history", func(c *Config) { c.Database.MemoryHistory = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
