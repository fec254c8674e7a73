package capture

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"vigil/internal/pipeline"
)

const (
	BackendFFmpeg = "ffmpeg"
	BackendGoCV   = "gocv"
)

var ErrBackendUnavailable = errors.New("capture backend not available in this build")

// Config holds capture settings shared by all cameras
type Config struct {
	Backend    string `mapstructure:"backend"`
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	FPS        int    `mapstructure:"fps"`
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
}

func DefaultConfig() Config {
	return Config{
		Backend:    BackendFFmpeg,
		FFmpegPath: "ffmpeg",
		FPS:        10,
		Width:      640,
		Height:     480,
	}
}

// NewOpener returns a pipeline.SourceOpener choosing the source type per
// descriptor: snapshot URLs are polled, everything else goes through the
// configured streaming backend.
func NewOpener(cfg Config, log zerolog.Logger) (pipeline.SourceOpener, error) {
	d := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = d.Backend
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = d.FFmpegPath
	}
	if cfg.FPS <= 0 {
		cfg.FPS = d.FPS
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = d.Width, d.Height
	}

	switch cfg.Backend {
	case BackendFFmpeg:
	case BackendGoCV:
		if !gocvAvailable {
			return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, cfg.Backend)
		}
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}

	return func(cameraID, descriptor string) (pipeline.FrameSource, error) {
		if descriptor == "" {
			return nil, errors.New("empty source descriptor")
		}
		if IsSnapshotURL(descriptor) {
			return NewSnapshotSource(cameraID, descriptor, cfg), nil
		}
		l := log.With().Str("camera_id", cameraID).Logger()
		if cfg.Backend == BackendGoCV {
			return newGoCVSource(cameraID, descriptor, l), nil
		}
		return NewFFmpegSource(cameraID, descriptor, cfg, l), nil
	}, nil
}
