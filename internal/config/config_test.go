package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/camera"
	"vigil/internal/pipeline"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Pipeline.Stride)
	assert.InDelta(t, 0.45, cfg.Identity.Threshold, 1e-9)
	assert.Equal(t, 8*time.Second, cfg.Alert.Cooldown)
	assert.Equal(t, 30*time.Second, cfg.Buffer.Window)
	assert.Equal(t, "sort", cfg.Tracking.Backend)
	assert.Equal(t, pipeline.EvidenceAlert, cfg.Pipeline.Evidence)
	assert.Equal(t, []string{"espeak"}, cfg.Speech.Command)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.Reconnect.RetryDelay)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  stride: 5
  frame_timeout: 2s
evidence:
  mode: always
alert:
  cooldown: 12s
cameras:
  - id: door
    source: rtsp://10.0.0.3/live
    enabled: true
  - id: yard
    source: http://10.0.0.4/snapshot.jpg
    stride: 1
`)
	t.Setenv("VIGIL_PIPELINE_STRIDE", "4")
	t.Setenv("VIGIL_TELEGRAM_ENABLED", "true")
	t.Setenv("VIGIL_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("VIGIL_TELEGRAM_CHAT_ID", "-100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pipeline.Stride, "environment wins over the file")
	assert.Equal(t, 2*time.Second, cfg.Pipeline.FrameTimeout)
	assert.Equal(t, pipeline.EvidenceAlways, cfg.Pipeline.Evidence)
	assert.Equal(t, 12*time.Second, cfg.Alert.Cooldown)
	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)

	reg, err := cfg.CameraRegistry()
	require.NoError(t, err)
	assert.Equal(t, []camera.Camera{
		{ID: "door", Source: "rtsp://10.0.0.3/live", Enabled: true},
		{ID: "yard", Source: "http://10.0.0.4/snapshot.jpg", Stride: 1},
	}, reg.List())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad driver", "database:\n  driver: mysql\n"},
		{"bad evidence mode", "evidence:\n  mode: sometimes\n"},
		{"zero cooldown", "alert:\n  cooldown: 0s\n"},
		{"bad transport", "embedder:\n  transport: carrier-pigeon\n"},
		{"telegram without token", "telegram:\n  enabled: true\n"},
		{"duplicate camera", "cameras:\n  - {id: a, source: x}\n  - {id: a, source: y}\n"},
		{"both camera sources", "cameras_file: cams.yaml\ncameras:\n  - {id: a, source: x}\n"},
		{"auth without password", "auth:\n  enabled: true\n"},
		{"head fraction", "pipeline:\n  head_fraction: 1.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("VIGIL_DOTENV_PROBE=from-file\n"), 0o644))
	t.Setenv("VIGIL_DOTENV_PROBE", "")
	os.Unsetenv("VIGIL_DOTENV_PROBE")

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("VIGIL_DOTENV_PROBE"))

	assert.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")))
}
