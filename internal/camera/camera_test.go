package camera

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cam  Camera
		ok   bool
	}{
		{"valid", Camera{ID: "door", Source: "rtsp://cam/1"}, true},
		{"no id", Camera{Source: "rtsp://cam/1"}, false},
		{"slash in id", Camera{ID: "a/b", Source: "x"}, false},
		{"no source", Camera{ID: "door"}, false},
		{"negative stride", Camera{ID: "door", Source: "x", Stride: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cam.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCamera)
			}
		})
	}
}

func TestRegistryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "cameras.yaml")

	r, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Empty(t, r.List())

	require.NoError(t, r.Add(Camera{ID: "lobby", Source: "rtsp://10.0.0.2/stream", Enabled: true}))
	require.NoError(t, r.Add(Camera{ID: "door", Source: "/dev/video0", Stride: 2}))
	assert.ErrorIs(t, r.Add(Camera{ID: "door", Source: "x"}), ErrExists)
	require.NoError(t, r.SetEnabled("door", true))

	reloaded, err := LoadRegistry(path)
	require.NoError(t, err)
	cams := reloaded.List()
	require.Len(t, cams, 2)
	assert.Equal(t, "door", cams[0].ID)
	assert.Equal(t, 2, cams[0].Stride)
	assert.True(t, cams[0].Enabled)
	assert.Equal(t, "rtsp://10.0.0.2/stream", cams[1].Source)

	require.NoError(t, reloaded.Remove("door"))
	_, err = reloaded.Get("door")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, reloaded.Remove("door"), ErrNotFound)

	again, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Len(t, again.List(), 1)
}

func TestLoadRegistryRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cameras:\n  - id: a\n    source: x\n  - id: a\n    source: y\n"), 0o644))

	_, err := LoadRegistry(path)
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, os.WriteFile(path, []byte("cameras: [oops"), 0o644))
	_, err = LoadRegistry(path)
	assert.Error(t, err)
}

func TestSourceExists(t *testing.T) {
	assert.True(t, SourceExists("rtsp://host/stream"))
	assert.False(t, SourceExists(filepath.Join(t.TempDir(), "video9")))

	f := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(f, []byte{0}, 0o644))
	assert.True(t, SourceExists(f))
}
