package events

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the span covered by rolling summaries.
const DefaultWindow = 30 * time.Second

// Buffer keeps the records pushed during the trailing window across all
// cameras. Pushes serialize on one lock; summaries only take the read lock.
type Buffer struct {
	mu      sync.RWMutex
	window  time.Duration
	entries []entry
}

type entry struct {
	at  time.Time
	rec Record
}

// NewBuffer creates a buffer covering window. A non-positive window falls
// back to DefaultWindow.
func NewBuffer(window time.Duration) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{window: window}
}

func (b *Buffer) Window() time.Duration {
	return b.window
}

// Push appends rec at time now and evicts everything older than the window.
func (b *Buffer) Push(rec Record, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry{at: now, rec: rec})
	b.evictLocked(now.Add(-b.window))
}

func (b *Buffer) evictLocked(cutoff time.Time) {
	i := 0
	for i < len(b.entries) && b.entries[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// Compact once the dead head dominates so the backing array can shrink.
	if i > len(b.entries)/2 {
		live := make([]entry, len(b.entries)-i, cap(b.entries)/2+1)
		copy(live, b.entries[i:])
		b.entries = live
		return
	}
	b.entries = b.entries[i:]
}

// Len returns the number of buffered entries, including any not yet evicted.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Summarize counts the records inside the window ending at now. It never
// modifies the buffer.
func (b *Buffer) Summarize(now time.Time) Summary {
	cutoff := now.Add(-b.window)
	sum := Summary{Window: b.window, PerCamera: make(map[string]int)}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, e := range b.entries {
		if e.at.Before(cutoff) || e.at.After(now) {
			continue
		}
		sum.PerCamera[e.rec.CameraID]++
		sum.Total++
		if e.rec.Unknown() {
			sum.Unknown++
		}
	}
	return sum
}

// Summary is a rolling count of recent records
type Summary struct {
	Window    time.Duration  `json:"window"`
	PerCamera map[string]int `json:"per_camera"`
	Unknown   int            `json:"unknown"`
	Total     int            `json:"total"`
}

// Empty reports whether the window held no records.
func (s Summary) Empty() bool {
	return s.Total == 0
}

// Cameras returns the camera ids present in the summary in sorted order.
func (s Summary) Cameras() []string {
	ids := make([]string, 0, len(s.PerCamera))
	for id := range s.PerCamera {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s Summary) String() string {
	if s.Empty() {
		return fmt.Sprintf("No events in the last %s.", s.Window)
	}
	parts := make([]string, 0, len(s.PerCamera)+1)
	for _, id := range s.Cameras() {
		parts = append(parts, fmt.Sprintf("%s:%d", id, s.PerCamera[id]))
	}
	parts = append(parts, fmt.Sprintf("Unknown: %d", s.Unknown))
	return strings.Join(parts, "; ")
}
