package tracking

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"vigil/internal/pipeline"
)

const (
	BackendSORT      = "sort"
	BackendByteTrack = "bytetrack"
)

var (
	ErrNoBackend      = errors.New("no tracking backend available")
	ErrUnknownBackend = errors.New("unknown tracking backend")
)

// Config holds the tracker settings shared by all backends
type Config struct {
	Backend      string  `mapstructure:"backend"`
	Fallback     string  `mapstructure:"fallback"`
	MaxAge       int     `mapstructure:"max_age"`        // frames a lost track is kept
	MinHits      int     `mapstructure:"min_hits"`       // sort: matches before confirmation
	IoUThreshold float64 `mapstructure:"iou_threshold"`  // sort: minimum association IoU
	HighThresh   float64 `mapstructure:"high_threshold"` // bytetrack: first stage score
	LowThresh    float64 `mapstructure:"low_threshold"`  // bytetrack: second stage score
}

// DefaultConfig returns the tracker defaults
func DefaultConfig() Config {
	return Config{
		Backend:      BackendSORT,
		Fallback:     BackendByteTrack,
		MaxAge:       30,
		MinHits:      3,
		IoUThreshold: 0.3,
		HighThresh:   0.5,
		LowThresh:    0.1,
	}
}

// Factory builds per-camera trackers for one backend
type Factory struct {
	name  string
	build func() pipeline.Tracker
}

func (f *Factory) Name() string                 { return f.name }
func (f *Factory) NewTracker() pipeline.Tracker { return f.build() }

// Constructor validates cfg and returns a factory, or an error when the
// backend cannot run with it.
type Constructor func(cfg Config) (*Factory, error)

// Registry holds the known backends
type Registry struct {
	constructors map[string]Constructor
	mu           sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry with the built-in backends
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BackendSORT, NewSORT)
	r.Register(BackendByteTrack, NewByteTrack)
	return r
}

// Register adds or replaces a backend constructor
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// Names returns the registered backend names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}

// Select returns a factory for the preferred backend, or for the fallback
// when the preferred one is unavailable. It fails when neither can be built.
func (r *Registry) Select(cfg Config, log zerolog.Logger) (*Factory, error) {
	var errs []error
	for _, name := range []string{cfg.Backend, cfg.Fallback} {
		if name == "" {
			continue
		}

		r.mu.RLock()
		construct, ok := r.constructors[name]
		r.mu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownBackend, name))
			log.Warn().Str("backend", name).Msg("tracking backend not registered")
			continue
		}

		f, err := construct(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			log.Warn().Err(err).Str("backend", name).Msg("tracking backend unavailable")
			continue
		}

		if name != cfg.Backend {
			log.Warn().Str("preferred", cfg.Backend).Str("backend", name).Msg("using fallback tracking backend")
		} else {
			log.Info().Str("backend", name).Msg("tracking backend selected")
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}

// NewSORT builds the sort backend factory
func NewSORT(cfg Config) (*Factory, error) {
	if cfg.MaxAge < 1 {
		return nil, fmt.Errorf("max_age must be positive, got %d", cfg.MaxAge)
	}
	if cfg.IoUThreshold <= 0 || cfg.IoUThreshold >= 1 {
		return nil, fmt.Errorf("iou_threshold must be in (0,1), got %v", cfg.IoUThreshold)
	}
	minHits := max(cfg.MinHits, 1)

	return &Factory{
		name: BackendSORT,
		build: func() pipeline.Tracker {
			return &sortAdapter{backend: newSortTracker(cfg.MaxAge, minHits, cfg.IoUThreshold)}
		},
	}, nil
}

// NewByteTrack builds the bytetrack backend factory
func NewByteTrack(cfg Config) (*Factory, error) {
	if cfg.MaxAge < 1 {
		return nil, fmt.Errorf("max_age must be positive, got %d", cfg.MaxAge)
	}
	if cfg.LowThresh <= 0 || cfg.HighThresh <= cfg.LowThresh || cfg.HighThresh > 1 {
		return nil, fmt.Errorf("thresholds must satisfy 0 < low < high <= 1, got low=%v high=%v",
			cfg.LowThresh, cfg.HighThresh)
	}

	return &Factory{
		name: BackendByteTrack,
		build: func() pipeline.Tracker {
			return &byteAdapter{backend: newByteTracker(cfg.HighThresh, cfg.LowThresh, cfg.MaxAge)}
		},
	}, nil
}

var _ pipeline.TrackerFactory = (*Factory)(nil)
