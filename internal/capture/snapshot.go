package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vigil/internal/pipeline"
)

// SnapshotSource polls an HTTP endpoint that returns one JPEG per request
type SnapshotSource struct {
	cameraID string
	url      string
	interval time.Duration
	client   *http.Client
	last     time.Time
	seq      uint64
}

// IsSnapshotURL reports whether device looks like a still image endpoint
// rather than a stream.
func IsSnapshotURL(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "snapshot"))
}

func NewSnapshotSource(cameraID, url string, cfg Config) *SnapshotSource {
	interval := time.Second / time.Duration(max(cfg.FPS, 1))
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &SnapshotSource{
		cameraID: cameraID,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SnapshotSource) Open(ctx context.Context) error { return nil }
func (s *SnapshotSource) Close() error                   { return nil }

// Read waits for the poll interval then fetches one image.
func (s *SnapshotSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	if wait := s.interval - time.Since(s.last); wait > 0 && !s.last.IsZero() {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	s.last = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBuffer))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	s.seq++
	return &pipeline.FrameData{
		CameraID:  s.cameraID,
		Data:      data,
		Seq:       s.seq,
		Timestamp: s.last,
	}, nil
}
