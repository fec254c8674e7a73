package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/pipeline"
)

// maxFrameBuffer bounds the bytes kept while waiting for a JPEG end marker.
const maxFrameBuffer = 8 << 20

var ErrStreamEnded = errors.New("stream ended")

// FFmpegSource reads MJPEG frames from an ffmpeg subprocess. It handles
// RTSP and HTTP streams as well as V4L2 devices.
type FFmpegSource struct {
	cameraID string
	device   string
	cfg      Config
	log      zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
	chunk  []byte
	seq    uint64
}

// NewFFmpegSource creates a source for device. Nothing is started until Open.
func NewFFmpegSource(cameraID, device string, cfg Config, log zerolog.Logger) *FFmpegSource {
	return &FFmpegSource{
		cameraID: cameraID,
		device:   device,
		cfg:      cfg,
		log:      log,
		chunk:    make([]byte, 8192),
	}
}

// ffmpegArgs builds the command line for the device kind
func ffmpegArgs(device string, cfg Config) []string {
	var args []string
	v4l2 := false
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", device}
	case strings.HasPrefix(device, "http://"), strings.HasPrefix(device, "https://"):
		args = []string{"-i", device}
	default:
		v4l2 = true
		args = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", fmt.Sprintf("%d", cfg.FPS),
			"-i", device,
		}
	}

	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	if !v4l2 {
		args = append(args, "-r", fmt.Sprintf("%d", cfg.FPS))
	}
	return append(args, "-q:v", "5", "-")
}

func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	cmd := exec.CommandContext(ctx, s.cfg.FFmpegPath, ffmpegArgs(s.device, s.cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.log.Trace().Str("ffmpeg", scanner.Text()).Send()
		}
	}()

	s.cmd = cmd
	s.stdout = stdout
	s.buf = s.buf[:0]
	s.log.Debug().Str("device", s.device).Msg("ffmpeg started")
	return nil
}

// Read blocks until ffmpeg produced a complete JPEG frame.
func (s *FFmpegSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdout == nil {
		return nil, errors.New("source is not open")
	}

	// unblock the pipe read when the caller gives up
	proc := s.cmd.Process
	stop := context.AfterFunc(ctx, func() { proc.Kill() })
	defer stop()

	for {
		if frame := extractJPEGFrame(&s.buf); frame != nil {
			s.seq++
			return &pipeline.FrameData{
				CameraID:  s.cameraID,
				Data:      frame,
				Seq:       s.seq,
				Timestamp: time.Now(),
				Width:     s.cfg.Width,
				Height:    s.cfg.Height,
			}, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := s.stdout.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
			if len(s.buf) > maxFrameBuffer {
				s.buf = s.buf[:0]
				return nil, errors.New("frame exceeds buffer limit")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamEnded
			}
			return nil, fmt.Errorf("read ffmpeg output: %w", err)
		}
	}
}

func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFmpegSource) closeLocked() {
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
}

// extractJPEGFrame removes the first complete JPEG frame from buffer.
// Bytes before the start marker are discarded.
func extractJPEGFrame(buffer *[]byte) []byte {
	b := *buffer
	if len(b) < 4 {
		return nil
	}

	start := -1
	for i := 0; i < len(b)-1; i++ {
		if b[i] == 0xFF && b[i+1] == 0xD8 {
			start = i
			break
		}
	}
	if start == -1 {
		// keep a trailing 0xFF, it may begin the next marker
		if b[len(b)-1] == 0xFF {
			*buffer = append(b[:0], 0xFF)
		} else {
			*buffer = b[:0]
		}
		return nil
	}

	end := -1
	for i := start + 2; i < len(b)-1; i++ {
		if b[i] == 0xFF && b[i+1] == 0xD9 {
			end = i + 2
			break
		}
	}
	if end == -1 {
		if start > 0 {
			*buffer = append(b[:0], b[start:]...)
		}
		return nil
	}

	frame := make([]byte, end-start)
	copy(frame, b[start:end])
	*buffer = append(b[:0], b[end:]...)
	return frame
}
