// Package publish forwards event records and camera status changes to
// message brokers. Publishers implement pipeline.Observer and never block
// the camera worker: messages are queued and dropped when the queue is full.
package publish

import (
	"encoding/json"
	"time"

	"vigil/internal/events"
	"vigil/internal/pipeline"
)

// Message kinds
const (
	KindEvent  = "event"
	KindStatus = "status"
)

const defaultQueueSize = 256

// Envelope is the JSON payload written to brokers
type Envelope struct {
	Kind     string                 `json:"kind"`
	CameraID string                 `json:"camera_id"`
	SentAt   time.Time              `json:"sent_at"`
	Event    *events.Record         `json:"event,omitempty"`
	Status   *pipeline.CameraStatus `json:"status,omitempty"`
}

func eventEnvelope(rec events.Record, now time.Time) Envelope {
	return Envelope{Kind: KindEvent, CameraID: rec.CameraID, SentAt: now, Event: &rec}
}

func statusEnvelope(st pipeline.CameraStatus, now time.Time) Envelope {
	return Envelope{Kind: KindStatus, CameraID: st.CameraID, SentAt: now, Status: &st}
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}
