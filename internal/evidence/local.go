package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vigil/internal/pipeline"
)

// FileName is the evidence file name for one observation
func FileName(ev pipeline.Evidence) string {
	return fmt.Sprintf("%s_%d_%d.jpg", ev.CameraID, ev.TrackID, ev.Timestamp.UnixMilli())
}

// LocalStore writes evidence images below a directory
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Save(ctx context.Context, ev pipeline.Evidence) (string, error) {
	data, err := Annotate(ev.Frame, ev.BBox, ev.Label)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, FileName(ev))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write evidence: %w", err)
	}
	return path, nil
}

var _ pipeline.EvidenceStore = (*LocalStore)(nil)
