package tracking

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
)

func person(x1, y1, x2, y2, conf float32) pipeline.Detection {
	return pipeline.Detection{Class: "person", Confidence: conf, BBox: pipeline.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}}
}

func newTracker(t *testing.T, backend string) pipeline.Tracker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend = backend
	cfg.Fallback = ""
	f, err := DefaultRegistry().Select(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, backend, f.Name())
	return f.NewTracker()
}

func TestIoU(t *testing.T) {
	assert.InDelta(t, 1.0, iou(box{0, 0, 10, 10}, box{0, 0, 10, 10}), 1e-9)
	assert.InDelta(t, 0.0, iou(box{0, 0, 10, 10}, box{10, 0, 20, 10}), 1e-9)
	assert.InDelta(t, 25.0/175.0, iou(box{0, 0, 10, 10}, box{5, 5, 15, 15}), 1e-9)
}

func TestSORTConfirmsAfterMinHits(t *testing.T) {
	tr := newTracker(t, BackendSORT)
	det := []pipeline.Detection{person(100, 100, 200, 400, 0.9)}

	tracks, err := tr.Update(det, nil)
	require.NoError(t, err)
	assert.Empty(t, tracks, "tentative after first hit")

	tracks, _ = tr.Update(det, nil)
	assert.Empty(t, tracks, "tentative after second hit")

	tracks, _ = tr.Update(det, nil)
	require.Len(t, tracks, 1)
	assert.True(t, tracks[0].Confirmed)
	assert.True(t, tracks[0].Updated)
	assert.Equal(t, 1, tracks[0].ID)
	assert.InDelta(t, 0.9, tracks[0].Score, 1e-6)
}

func TestSORTKeepsIDWhileMoving(t *testing.T) {
	tr := newTracker(t, BackendSORT)

	var last []pipeline.Track
	for i := 0; i < 10; i++ {
		shift := float32(i * 5)
		tracks, err := tr.Update([]pipeline.Detection{
			person(100+shift, 100, 200+shift, 400, 0.9),
			person(500, 100, 600, 400, 0.8),
		}, nil)
		require.NoError(t, err)
		last = tracks
	}

	require.Len(t, last, 2)
	ids := []int{last[0].ID, last[1].ID}
	assert.ElementsMatch(t, []int{1, 2}, ids)
}

func TestSORTCoastsThenExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = 2
	f, err := NewSORT(cfg)
	require.NoError(t, err)
	tr := f.NewTracker()

	det := []pipeline.Detection{person(0, 0, 50, 100, 0.9)}
	for i := 0; i < 3; i++ {
		tr.Update(det, nil)
	}

	tracks, _ := tr.Update(nil, nil)
	require.Len(t, tracks, 1)
	assert.False(t, tracks[0].Updated)

	tracks, _ = tr.Update(nil, nil)
	require.Len(t, tracks, 1)

	tracks, _ = tr.Update(nil, nil)
	assert.Empty(t, tracks, "expired after max age")

	// a new subject never reuses a live id
	for i := 0; i < 3; i++ {
		tracks, _ = tr.Update(det, nil)
	}
	require.Len(t, tracks, 1)
	assert.Equal(t, 2, tracks[0].ID)
}

func TestSORTIgnoresInvalidBoxes(t *testing.T) {
	tr := newTracker(t, BackendSORT)
	for i := 0; i < 5; i++ {
		tracks, err := tr.Update([]pipeline.Detection{person(10, 10, 10, 50, 0.9)}, nil)
		require.NoError(t, err)
		assert.Empty(t, tracks)
	}
}

func TestByteTrackEmitsConfirmedImmediately(t *testing.T) {
	tr := newTracker(t, BackendByteTrack)

	tracks, err := tr.Update([]pipeline.Detection{person(10, 20, 110, 320, 0.8)}, nil)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.True(t, tracks[0].Confirmed)
	assert.True(t, tracks[0].Updated)
	assert.Equal(t, pipeline.BBox{X1: 10, Y1: 20, X2: 110, Y2: 320}, tracks[0].BBox)
}

func TestByteTrackLowScoreKeepsTrack(t *testing.T) {
	tr := newTracker(t, BackendByteTrack)

	tracks, _ := tr.Update([]pipeline.Detection{person(10, 20, 110, 320, 0.8)}, nil)
	require.Len(t, tracks, 1)
	id := tracks[0].ID

	// occluded: score drops below the high threshold
	tracks, _ = tr.Update([]pipeline.Detection{person(12, 20, 112, 320, 0.3)}, nil)
	require.Len(t, tracks, 1)
	assert.Equal(t, id, tracks[0].ID)
	assert.True(t, tracks[0].Updated)

	// a low score detection never starts a track on its own
	tracks, _ = tr.Update([]pipeline.Detection{
		person(12, 20, 112, 320, 0.9),
		person(600, 20, 700, 320, 0.3),
	}, nil)
	assert.Len(t, tracks, 1)
}

func TestByteTrackLostBufferAndRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = 2
	f, err := NewByteTrack(cfg)
	require.NoError(t, err)
	tr := f.NewTracker()

	det := []pipeline.Detection{person(10, 20, 110, 320, 0.8)}
	tracks, _ := tr.Update(det, nil)
	id := tracks[0].ID

	tracks, _ = tr.Update(nil, nil)
	require.Len(t, tracks, 1)
	assert.False(t, tracks[0].Updated)
	assert.Equal(t, id, tracks[0].ID)

	tracks, _ = tr.Update(det, nil)
	require.Len(t, tracks, 1)
	assert.True(t, tracks[0].Updated)
	assert.Equal(t, id, tracks[0].ID, "recovered from the lost buffer")

	tr.Update(nil, nil)
	tr.Update(nil, nil)
	tracks, _ = tr.Update(nil, nil)
	assert.Empty(t, tracks)
}

func TestSelectFallback(t *testing.T) {
	r := DefaultRegistry()
	r.Register("deepsort", func(Config) (*Factory, error) {
		return nil, errors.New("model weights missing")
	})

	cfg := DefaultConfig()
	cfg.Backend = "deepsort"
	cfg.Fallback = BackendByteTrack

	f, err := r.Select(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, BackendByteTrack, f.Name())
}

func TestSelectUnregisteredPreferred(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "strongsort"
	cfg.Fallback = BackendSORT

	f, err := DefaultRegistry().Select(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, BackendSORT, f.Name())
}

func TestSelectNoneAvailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAge = 0

	_, err := DefaultRegistry().Select(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoBackend)

	_, err = NewRegistry().Select(DefaultConfig(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestFactoryBuildsIndependentTrackers(t *testing.T) {
	f, err := NewByteTrack(DefaultConfig())
	require.NoError(t, err)

	a, b := f.NewTracker(), f.NewTracker()
	ta, _ := a.Update([]pipeline.Detection{person(0, 0, 10, 10, 0.9)}, nil)
	tb, _ := b.Update([]pipeline.Detection{person(50, 50, 60, 60, 0.9)}, nil)

	require.Len(t, ta, 1)
	require.Len(t, tb, 1)
	assert.Equal(t, 1, ta[0].ID)
	assert.Equal(t, 1, tb[0].ID)
}
