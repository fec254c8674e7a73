package ws

import (
	"time"

	"vigil/internal/events"
	"vigil/internal/pipeline"
)

// Message types
const (
	TypeEvent  = "event"
	TypeStatus = "status"
)

// EventMessage carries one identity observation
type EventMessage struct {
	Type      string        `json:"type"` // "event"
	CameraID  string        `json:"camera_id"`
	Timestamp time.Time     `json:"timestamp"`
	Event     events.Record `json:"event"`
	Known     bool          `json:"known"`
}

// StatusMessage carries a camera state change
type StatusMessage struct {
	Type      string                `json:"type"` // "status"
	CameraID  string                `json:"camera_id"`
	Timestamp time.Time             `json:"timestamp"`
	Status    pipeline.CameraStatus `json:"status"`
}

// NewEventMessage creates an event message for rec
func NewEventMessage(rec events.Record) *EventMessage {
	return &EventMessage{
		Type:      TypeEvent,
		CameraID:  rec.CameraID,
		Timestamp: rec.Timestamp,
		Event:     rec,
		Known:     !rec.Unknown(),
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(st pipeline.CameraStatus) *StatusMessage {
	return &StatusMessage{
		Type:      TypeStatus,
		CameraID:  st.CameraID,
		Timestamp: time.Now(),
		Status:    st,
	}
}
