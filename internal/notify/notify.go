// Package notify fans alerts out to the configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"vigil/internal/pipeline"
)

// Named is a notifier with a channel name for logging
type Named struct {
	Name     string
	Notifier pipeline.Notifier
}

// Multi delivers every alert to all channels concurrently. One failing
// channel never prevents delivery on the others.
type Multi struct {
	channels []Named
	log      zerolog.Logger
}

func NewMulti(log zerolog.Logger, channels ...Named) *Multi {
	return &Multi{channels: channels, log: log.With().Str("component", "notify").Logger()}
}

func (m *Multi) Len() int { return len(m.channels) }

func (m *Multi) Notify(ctx context.Context, a pipeline.Alert) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range m.channels {
		wg.Add(1)
		go func(ch Named) {
			defer wg.Done()
			if err := ch.Notifier.Notify(ctx, a); err != nil {
				m.log.Warn().Err(err).Str("channel", ch.Name).Str("camera_id", a.CameraID).Msg("notification failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
				mu.Unlock()
			}
		}(ch)
	}
	wg.Wait()
	return errors.Join(errs...)
}

var _ pipeline.Notifier = (*Multi)(nil)
