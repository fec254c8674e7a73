package pipeline

import (
	"sync"

	"vigil/internal/events"
)

// EventBus fans event records and camera status changes out to observers
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	cameraFilter string // Empty string means receive all cameras
	channel      chan events.Record
	observer     Observer
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers an observer for all cameras.
// Returns an unsubscribe function
func (b *EventBus) Subscribe(observer Observer) func() {
	return b.add(&eventSubscription{observer: observer})
}

// SubscribeCamera registers an observer for a single camera
func (b *EventBus) SubscribeCamera(cameraID string, observer Observer) func() {
	return b.add(&eventSubscription{cameraFilter: cameraID, observer: observer})
}

// SubscribeChannel returns a channel that receives event records. Records
// are dropped when the channel is full.
func (b *EventBus) SubscribeChannel(cameraID string, bufferSize int) (<-chan events.Record, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan events.Record, bufferSize)
	sub := &eventSubscription{cameraFilter: cameraID, channel: ch}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// PublishEvent delivers rec to every matching subscriber. Observers are
// called synchronously so records of one camera arrive in order.
func (b *EventBus) PublishEvent(rec events.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != rec.CameraID {
			continue
		}
		if sub.observer != nil {
			sub.observer.OnEvent(rec)
		} else if sub.channel != nil {
			select {
			case sub.channel <- rec:
			default:
				// Channel full, skip this record
			}
		}
	}
}

// PublishStatus delivers a camera status change to observers
func (b *EventBus) PublishStatus(status CameraStatus) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.observer == nil {
			continue
		}
		if sub.cameraFilter != "" && sub.cameraFilter != status.CameraID {
			continue
		}
		sub.observer.OnStatus(status)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
