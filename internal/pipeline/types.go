package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"vigil/internal/events"
)

// FrameData represents a captured video frame
type FrameData struct {
	CameraID  string    // Camera identifier
	Data      []byte    // JPEG frame data
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)

	img image.Image
}

// NewDecodedFrame wraps an already decoded image. Data is encoded lazily
// when a consumer needs JPEG bytes.
func NewDecodedFrame(cameraID string, seq uint64, ts time.Time, img image.Image) *FrameData {
	b := img.Bounds()
	return &FrameData{
		CameraID:  cameraID,
		Seq:       seq,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		img:       img,
	}
}

// Image decodes the JPEG payload once and caches the result. A frame is
// owned by a single worker, so no locking is done.
func (f *FrameData) Image() (image.Image, error) {
	if f.img != nil {
		return f.img, nil
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("frame %d of camera %s has no data", f.Seq, f.CameraID)
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}
	b := img.Bounds()
	f.Width, f.Height = b.Dx(), b.Dy()
	f.img = img
	return img, nil
}

// JPEG returns the encoded frame, encoding a decoded-only frame on demand.
func (f *FrameData) JPEG() ([]byte, error) {
	if len(f.Data) > 0 {
		return f.Data, nil
	}
	if f.img == nil {
		return nil, fmt.Errorf("frame %d of camera %s is empty", f.Seq, f.CameraID)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	f.Data = buf.Bytes()
	return f.Data, nil
}

// BBox represents a bounding box in pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

func (b BBox) Width() float32  { return b.X2 - b.X1 }
func (b BBox) Height() float32 { return b.Y2 - b.Y1 }

// Valid reports whether the box has positive area.
func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Rect converts the box to integer pixel coordinates.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

func (b BBox) record() events.BBox {
	r := b.Rect()
	return events.BBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

// Detection represents a single object detection result
type Detection struct {
	Class      string  `json:"class"`      // Detection class (person, car, etc.)
	Confidence float32 `json:"confidence"` // Detection confidence (0-1]
	BBox       BBox    `json:"bbox"`
}

// Track is the normalized view of one tracked subject for a frame
type Track struct {
	ID        int
	BBox      BBox
	Confirmed bool

	// Updated is false while the backend coasts the track without a
	// matching detection in this frame.
	Updated bool
	Score   float32
}

// CameraState is the lifecycle state of a camera worker
type CameraState string

const (
	CameraStarting CameraState = "starting"
	CameraRunning  CameraState = "running"
	CameraRetrying CameraState = "retrying"
	CameraDegraded CameraState = "degraded"
	CameraStopped  CameraState = "stopped"
)

// CameraStatus is a point-in-time view of a camera worker
type CameraStatus struct {
	CameraID          string      `json:"camera_id"`
	Source            string      `json:"source"`
	State             CameraState `json:"state"`
	Stride            int         `json:"stride"`
	FramesRead        uint64      `json:"frames_read"`
	FramesProcessed   uint64      `json:"frames_processed"`
	EventsLogged      uint64      `json:"events_logged"`
	PendingAppends    int         `json:"pending_appends"`
	ReconnectAttempts uint64      `json:"reconnect_attempts"`
	LastError         string      `json:"last_error,omitempty"`
	Since             time.Time   `json:"since"`
}

// Alert is a notification request for an unrecognized person
type Alert struct {
	CameraID  string
	TrackID   int
	Timestamp time.Time
	Message   string
	ImagePath string
	Record    events.Record
}

// Evidence is the material for one evidence image
type Evidence struct {
	CameraID  string
	TrackID   int
	Timestamp time.Time
	Frame     *FrameData
	BBox      BBox
	Label     string
}
