package pipeline

import (
	"context"
	"fmt"

	"vigil/internal/events"
)

// DefaultMaxPending bounds the records a camera keeps while its sink fails.
const DefaultMaxPending = 1000

// orderedAppender writes one camera's records to the sink in order. Records
// that fail to append are queued and retried ahead of newer ones. It is
// owned by a single worker and is not safe for concurrent use.
type orderedAppender struct {
	sink       EventSink
	pending    []events.Record
	maxPending int
	dropped    uint64
}

func newOrderedAppender(sink EventSink, maxPending int) *orderedAppender {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &orderedAppender{sink: sink, maxPending: maxPending}
}

// Append queues rec behind any pending records and flushes as many as the
// sink accepts. It returns the first append error; rec stays queued.
func (a *orderedAppender) Append(ctx context.Context, rec events.Record) (written int, err error) {
	if len(a.pending) >= a.maxPending {
		a.pending = a.pending[1:]
		a.dropped++
	}
	a.pending = append(a.pending, rec)
	return a.Flush(ctx)
}

// Flush retries the pending records in order.
func (a *orderedAppender) Flush(ctx context.Context) (written int, err error) {
	for len(a.pending) > 0 {
		if err := a.sink.Append(ctx, a.pending[0]); err != nil {
			return written, fmt.Errorf("append event %s: %w", a.pending[0].ID, err)
		}
		a.pending[0] = events.Record{}
		a.pending = a.pending[1:]
		written++
	}
	a.pending = nil
	return written, nil
}

func (a *orderedAppender) Pending() int    { return len(a.pending) }
func (a *orderedAppender) Dropped() uint64 { return a.dropped }
