package pipeline

import (
	"context"

	"vigil/internal/events"
)

// Detector finds objects in a frame
type Detector interface {
	// Name returns the detector identifier (e.g., "yolo")
	Name() string

	// Detect runs detection on a frame and returns results
	Detect(ctx context.Context, frame *FrameData) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// FrameSource delivers frames from one camera. Read blocks until a frame
// is available or the source fails.
type FrameSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*FrameData, error)
	Close() error
}

// SourceOpener builds a frame source from a source descriptor (RTSP URL,
// device path, snapshot URL...).
type SourceOpener func(cameraID, descriptor string) (FrameSource, error)

// Tracker turns per-frame detections into stable tracks. Implementations
// return confirmed tracks only.
type Tracker interface {
	Update(detections []Detection, frame *FrameData) ([]Track, error)
}

// TrackerFactory creates one tracker per camera for the backend selected
// at startup.
type TrackerFactory interface {
	Name() string
	NewTracker() Tracker
}

// EventSink durably stores event records
type EventSink interface {
	Append(ctx context.Context, rec events.Record) error
}

// EvidenceStore persists an evidence image and returns where it was saved
type EvidenceStore interface {
	Save(ctx context.Context, ev Evidence) (string, error)
}

// Notifier delivers alerts. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// BindingStore persists manual track bindings
type BindingStore interface {
	SaveBinding(ctx context.Context, cameraID string, trackID int, person string) error
	DeleteBinding(ctx context.Context, cameraID string, trackID int) error
}

// Observer receives completed event records and camera status changes.
// Delivery is best-effort; observers must not block.
type Observer interface {
	OnEvent(rec events.Record)
	OnStatus(status CameraStatus)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Event  func(rec events.Record)
	Status func(status CameraStatus)
}

func (o ObserverFuncs) OnEvent(rec events.Record) {
	if o.Event != nil {
		o.Event(rec)
	}
}

func (o ObserverFuncs) OnStatus(status CameraStatus) {
	if o.Status != nil {
		o.Status(status)
	}
}

var _ Observer = ObserverFuncs{}
