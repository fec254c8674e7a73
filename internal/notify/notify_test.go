package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *countingNotifier) Notify(ctx context.Context, a pipeline.Alert) error {
	n.calls.Add(1)
	return n.err
}

func TestMultiDeliversToAllChannels(t *testing.T) {
	ok := &countingNotifier{}
	broken := &countingNotifier{err: errors.New("chat not found")}
	m := NewMulti(zerolog.Nop(), Named{"telegram", broken}, Named{"speech", ok})

	err := m.Notify(context.Background(), pipeline.Alert{CameraID: "cam1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram: chat not found")
	assert.EqualValues(t, 1, ok.calls.Load())
	assert.EqualValues(t, 1, broken.calls.Load())
	assert.Equal(t, 2, m.Len())
}

func TestMultiEmpty(t *testing.T) {
	assert.NoError(t, NewMulti(zerolog.Nop()).Notify(context.Background(), pipeline.Alert{}))
}

func TestSpeaker(t *testing.T) {
	s := NewSpeaker(SpeechConfig{Command: []string{"say", "-v", "Paulina"}})

	var gotName string
	var gotArgs []string
	s.run = func(ctx context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	}

	require.NoError(t, s.Notify(context.Background(), pipeline.Alert{CameraID: "entrance"}))
	assert.Equal(t, "say", gotName)
	assert.Equal(t, []string{"-v", "Paulina", "Attention. Unknown person on camera entrance"}, gotArgs)
}

func TestSpeakerFixedMessage(t *testing.T) {
	s := NewSpeaker(SpeechConfig{Message: "Intruder"})
	assert.Equal(t, "Intruder", s.Text(pipeline.Alert{CameraID: "cam1"}))
}
