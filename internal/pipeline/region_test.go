package pipeline

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/events"
)

func TestHeadRegion(t *testing.T) {
	bounds := image.Rect(0, 0, 640, 480)

	tests := []struct {
		name    string
		box     BBox
		want    image.Rectangle
		wantErr bool
	}{
		{"top third", BBox{X1: 100, Y1: 100, X2: 200, Y2: 400}, image.Rect(100, 100, 200, 200), false},
		{"clipped to frame", BBox{X1: -50, Y1: 300, X2: 100, Y2: 600}, image.Rect(0, 300, 100, 360), false},
		{"one pixel high", BBox{X1: 10, Y1: 10, X2: 20, Y2: 11}, image.Rect(10, 10, 20, 11), false},
		{"outside frame", BBox{X1: 700, Y1: 10, X2: 800, Y2: 100}, image.Rectangle{}, true},
		{"zero width", BBox{X1: 10, Y1: 10, X2: 10, Y2: 100}, image.Rectangle{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HeadRegion(tt.box, bounds, DefaultHeadFraction)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDegenerateRegion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCropRegionUpscalesSmallRegions(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))

	crop := CropRegion(src, image.Rect(10, 10, 30, 50), 0)
	assert.Equal(t, image.Rect(0, 0, 20, 40), crop.Bounds())

	crop = CropRegion(src, image.Rect(10, 10, 30, 50), 80)
	assert.Equal(t, image.Rect(0, 0, 80, 160), crop.Bounds())
}

type flakySink struct {
	failures int
	got      []string
}

func (s *flakySink) Append(ctx context.Context, rec events.Record) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("locked")
	}
	s.got = append(s.got, rec.ID)
	return nil
}

func TestOrderedAppender(t *testing.T) {
	sink := &flakySink{failures: 1}
	a := newOrderedAppender(sink, 2)
	ctx := context.Background()

	n, err := a.Append(ctx, events.Record{ID: "a"})
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, a.Pending())

	n, err = a.Append(ctx, events.Record{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, sink.got)
	assert.Zero(t, a.Pending())
}

func TestOrderedAppenderDropsOldestWhenFull(t *testing.T) {
	sink := &flakySink{failures: 3}
	a := newOrderedAppender(sink, 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := a.Append(ctx, events.Record{ID: id})
		assert.Error(t, err)
	}
	assert.Equal(t, 2, a.Pending())
	assert.EqualValues(t, 1, a.Dropped())

	n, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b", "c"}, sink.got)
}
