package events

import "time"

// Filter selects records from an event log. Zero fields are ignored.
type Filter struct {
	CameraID string
	Since    time.Time
	Until    time.Time
	Limit    int
}
