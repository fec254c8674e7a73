//go:build gocv

package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"vigil/internal/pipeline"
)

const gocvAvailable = true

// GoCVSource captures frames in-process through OpenCV
type GoCVSource struct {
	cameraID string
	device   string
	log      zerolog.Logger

	mu  sync.Mutex
	cap *gocv.VideoCapture
	mat gocv.Mat
	seq uint64
}

func newGoCVSource(cameraID, device string, log zerolog.Logger) pipeline.FrameSource {
	return &GoCVSource{cameraID: cameraID, device: device, log: log}
}

func (s *GoCVSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", "rtsp_transport;tcp|stimeout;5000000")

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if id, convErr := strconv.Atoi(s.device); convErr == nil {
		vc, err = gocv.OpenVideoCapture(id)
	} else {
		vc, err = gocv.VideoCaptureFile(s.device)
	}
	if err != nil {
		return fmt.Errorf("open capture %s: %w", s.device, err)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	s.cap = vc
	s.mat = gocv.NewMat()
	return nil
}

func (s *GoCVSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cap == nil {
		return nil, errors.New("source is not open")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, ErrStreamEnded
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, s.mat)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())

	s.seq++
	return &pipeline.FrameData{
		CameraID:  s.cameraID,
		Data:      data,
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     s.mat.Cols(),
		Height:    s.mat.Rows(),
	}, nil
}

func (s *GoCVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *GoCVSource) closeLocked() {
	if s.cap == nil {
		return
	}
	s.mat.Close()
	s.cap.Close()
	s.cap = nil
}
