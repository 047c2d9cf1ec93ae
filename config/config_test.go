package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  mode: release\n"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, ":5000", cfg.Server.Port)
	assert.InDelta(t, 0.85, cfg.Preprocess.ForegroundRatio, 1e-9)
	assert.Equal(t, 512, cfg.Preprocess.CanvasSize)
	assert.Equal(t, 4096*4096, cfg.Preprocess.MaxPixels)
	assert.Equal(t, 256, cfg.Reconstruction.Resolution)
	assert.True(t, cfg.Reconstruction.VertexColor)
	assert.Equal(t, "stabilityai/TripoSR", cfg.Reconstruction.Repo)
	assert.Equal(t, "rembg", cfg.Segmentation.Backend)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: ":9000"
segmentation:
  backend: grabcut
  grabcut:
    iterations: 3
reconstruction:
  device: cpu
  queue_timeout: 5s
redis:
  enabled: true
  addr: "redis:6379"
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Port)
	assert.Equal(t, "grabcut", cfg.Segmentation.Backend)
	assert.Equal(t, 3, cfg.Segmentation.GrabCut.Iterations)
	assert.Equal(t, 10, cfg.Segmentation.GrabCut.BorderSize)
	assert.Equal(t, "cpu", cfg.Reconstruction.Device)
	assert.Equal(t, 5*time.Second, cfg.Reconstruction.QueueTimeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ratio zero", "preprocess:\n  foreground_ratio: 0\n"},
		{"ratio above one", "preprocess:\n  foreground_ratio: 1.5\n"},
		{"canvas", "preprocess:\n  canvas_size: -1\n"},
		{"backend", "segmentation:\n  backend: sam\n"},
		{"max pixels", "preprocess:\n  max_pixels: 0\n"},
		{"lease ttl", "redis:\n  enabled: true\n  lease_ttl: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaultConfig_Valid(t *testing.T) {
	assert.NoError(t, getDefaultConfig().Validate())
}

func TestNewFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewFrom(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, getDefaultConfig().Preprocess, cfg.Preprocess)
}

func TestNewFrom_InvalidFileIsReported(t *testing.T) {
	_, err := NewFrom(writeConfig(t, "preprocess:\n  foreground_ratio: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreground_ratio")
}

func TestNewFrom_EnvOverride(t *testing.T) {
	t.Setenv("MESH_PREPROCESS_MAX_PIXELS", "1000")
	cfg, err := NewFrom(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Preprocess.MaxPixels)
}
