package camera

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound      = errors.New("camera not found")
	ErrExists        = errors.New("camera already registered")
	ErrInvalidCamera = errors.New("invalid camera")
)

// Camera is one configured video source
type Camera struct {
	ID      string `yaml:"id" json:"id" mapstructure:"id"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty" mapstructure:"name"`
	Source  string `yaml:"source" json:"source" mapstructure:"source"`                     // rtsp/http url, snapshot url or device path
	Stride  int    `yaml:"stride,omitempty" json:"stride,omitempty" mapstructure:"stride"` // 0 uses the pipeline default
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

// Validate checks the fields required to start the camera
func (c Camera) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidCamera)
	}
	if strings.ContainsAny(c.ID, "/ \t") {
		return fmt.Errorf("%w: id %q contains separators", ErrInvalidCamera, c.ID)
	}
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("%w: camera %s has no source", ErrInvalidCamera, c.ID)
	}
	if c.Stride < 0 {
		return fmt.Errorf("%w: camera %s stride must not be negative", ErrInvalidCamera, c.ID)
	}
	return nil
}

type registryFile struct {
	Cameras []Camera `yaml:"cameras"`
}

// Registry holds the configured cameras. When backed by a file every
// change is written back.
type Registry struct {
	mu      sync.RWMutex
	cameras map[string]Camera
	path    string
}

// NewRegistry creates an in-memory registry seeded with cameras
func NewRegistry(cameras []Camera) (*Registry, error) {
	r := &Registry{cameras: make(map[string]Camera)}
	for _, c := range cameras {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.cameras[c.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrExists, c.ID)
		}
		r.cameras[c.ID] = c
	}
	return r, nil
}

// LoadRegistry reads a YAML registry file. A missing file yields an empty
// registry that will be created on the first change.
func LoadRegistry(path string) (*Registry, error) {
	var f registryFile
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read camera registry: %w", err)
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse camera registry %s: %w", path, err)
		}
	}

	r, err := NewRegistry(f.Cameras)
	if err != nil {
		return nil, err
	}
	r.path = path
	return r, nil
}

// Add registers a camera
func (r *Registry) Add(c Camera) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cameras[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, c.ID)
	}
	r.cameras[c.ID] = c
	if err := r.saveLocked(); err != nil {
		delete(r.cameras, c.ID)
		return err
	}
	return nil
}

// SetEnabled flips the enabled flag so the camera does (not) start on boot
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cameras[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.Enabled == enabled {
		return nil
	}
	c.Enabled = enabled
	r.cameras[id] = c
	return r.saveLocked()
}

// Get retrieves a camera by id
func (r *Registry) Get(id string) (Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cameras[id]
	if !ok {
		return Camera{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// List returns all cameras sorted by id
func (r *Registry) List() []Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Camera, 0, len(r.cameras))
	for _, c := range r.cameras {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a camera
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cameras[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.cameras, id)
	if err := r.saveLocked(); err != nil {
		r.cameras[id] = c
		return err
	}
	return nil
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}

	f := registryFile{Cameras: make([]Camera, 0, len(r.cameras))}
	for _, c := range r.cameras {
		f.Cameras = append(f.Cameras, c)
	}
	sort.Slice(f.Cameras, func(i, j int) bool { return f.Cameras[i].ID < f.Cameras[j].ID })

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode camera registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write camera registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace camera registry: %w", err)
	}
	return nil
}

// IsNetworkSource reports whether source is an HTTP or RTSP URL
func IsNetworkSource(source string) bool {
	return strings.HasPrefix(source, "http://") ||
		strings.HasPrefix(source, "https://") ||
		strings.HasPrefix(source, "rtsp://") ||
		strings.HasPrefix(source, "rtsps://")
}

// SourceExists checks that a local device or file can be opened. Network
// sources are always considered present; connectivity is handled by the
// reconnect loop.
func SourceExists(source string) bool {
	if IsNetworkSource(source) {
		return true
	}

	file, err := os.OpenFile(source, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
