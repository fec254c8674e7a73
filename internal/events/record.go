package events

import (
	"time"

	"vigil/internal/identity"
)

// BBox is a bounding box in pixel coordinates
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Record is one identity observation of a tracked person. Records are
// immutable once created.
type Record struct {
	ID           string           `json:"id"`
	Timestamp    time.Time        `json:"timestamp"`
	CameraID     string           `json:"camera_id"`
	TrackID      int              `json:"track_id"`
	PersonName   string           `json:"person_name"`
	Role         identity.Role    `json:"role"`
	Confidence   float64          `json:"confidence"`
	BBox         BBox             `json:"bbox"`
	EvidencePath string           `json:"evidence_path,omitempty"`
	Outcome      identity.Outcome `json:"outcome"`
	Distance     float64          `json:"distance"`
}

// Unknown reports whether the record is for an unresolved subject.
func (r *Record) Unknown() bool {
	return r.PersonName == identity.UnknownName
}
