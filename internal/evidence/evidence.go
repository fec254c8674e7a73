// Package evidence stores annotated snapshots of alerted subjects.
package evidence

import (
	"context"
	"fmt"

	"vigil/internal/pipeline"
)

// Config selects where evidence images go
type Config struct {
	Mode  pipeline.EvidenceMode `mapstructure:"mode"`
	Store string                `mapstructure:"store"` // local or minio
	Dir   string                `mapstructure:"dir"`
	Minio MinioConfig           `mapstructure:"minio"`
}

// New builds the configured store. It returns nil when evidence is off.
func New(ctx context.Context, cfg Config) (pipeline.EvidenceStore, error) {
	if cfg.Mode == pipeline.EvidenceOff {
		return nil, nil
	}

	switch cfg.Store {
	case "", "local":
		dir := cfg.Dir
		if dir == "" {
			dir = "evidence"
		}
		s, err := NewLocalStore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "minio":
		s, err := NewMinioStore(cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown evidence store %q", cfg.Store)
	}
}
