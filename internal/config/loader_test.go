package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  listen: "127.0.0.1:9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Service.Listen)
	assert.Equal(t, "framewire", cfg.Service.Name)
	assert.Equal(t, 30, cfg.Transport.KeepAliveTimeout)
	assert.Equal(t, 1000, cfg.Transport.DisconnectTimeout)
	assert.Equal(t, 1<<20, cfg.Transport.MaxFrameSize)
	assert.False(t, cfg.Admin.Enabled)
}

func TestLoad_TransportOverrides(t *testing.T) {
	path := writeConfig(t, `
transport:
  keep_alive_timeout: 0
  disconnect_timeout: 250
  max_frame_size: 4096
admin:
  enabled: true
  listen: "127.0.0.1:8088"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Transport.KeepAliveTimeout)
	assert.Equal(t, 250, cfg.Transport.DisconnectTimeout)
	assert.Equal(t, 4096, cfg.Transport.MaxFrameSize)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:8088", cfg.Admin.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "service: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty listen",
			mutate:  func(c *Config) { c.Service.Listen = "" },
			wantErr: "service.listen",
		},
		{
			name:    "negative keep-alive",
			mutate:  func(c *Config) { c.Transport.KeepAliveTimeout = -1 },
			wantErr: "keep_alive_timeout",
		},
		{
			name:    "negative disconnect",
			mutate:  func(c *Config) { c.Transport.DisconnectTimeout = -5 },
			wantErr: "disconnect_timeout",
		},
		{
			name:    "zero max frame size",
			mutate:  func(c *Config) { c.Transport.MaxFrameSize = 0 },
			wantErr: "max_frame_size",
		},
		{
			name: "admin enabled without listen",
			mutate: func(c *Config) {
				c.Admin.Enabled = true
				c.Admin.Listen = ""
			},
			wantErr: "admin.listen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
