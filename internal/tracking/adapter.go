package tracking

import (
	"sync"

	"vigil/internal/pipeline"
)

// sortAdapter exposes the sort backend as a pipeline.Tracker. The backend
// returns rich track objects; tentative ones are dropped here.
type sortAdapter struct {
	mu      sync.Mutex
	backend *sortTracker
}

func (a *sortAdapter) Update(detections []pipeline.Detection, frame *pipeline.FrameData) ([]pipeline.Track, error) {
	dets := make([]sortDetection, 0, len(detections))
	for _, d := range detections {
		if !d.BBox.Valid() {
			continue
		}
		dets = append(dets, sortDetection{ltrb: toBox(d.BBox), score: float64(d.Confidence)})
	}

	a.mu.Lock()
	native := a.backend.update(dets)
	a.mu.Unlock()

	tracks := make([]pipeline.Track, 0, len(native))
	for _, t := range native {
		if !t.IsConfirmed() {
			continue
		}
		tracks = append(tracks, pipeline.Track{
			ID:        t.trackID,
			BBox:      fromBox(t.ToLTRB()),
			Confirmed: true,
			Updated:   t.timeSinceUpdate == 0,
			Score:     float32(t.score),
		})
	}
	return tracks, nil
}

// byteAdapter exposes the bytetrack backend as a pipeline.Tracker. The
// backend returns raw x, y, w, h, id, score rows for active tracks; tracks
// waiting in its lost buffer are reported as coasting so their ids stay
// alive for the caller.
type byteAdapter struct {
	mu      sync.Mutex
	backend *byteTracker
}

func (a *byteAdapter) Update(detections []pipeline.Detection, frame *pipeline.FrameData) ([]pipeline.Track, error) {
	dets := make([][5]float64, 0, len(detections))
	for _, d := range detections {
		if !d.BBox.Valid() {
			continue
		}
		b := toBox(d.BBox)
		dets = append(dets, [5]float64{b[0], b[1], b[2], b[3], float64(d.Confidence)})
	}

	a.mu.Lock()
	active := a.backend.update(dets)
	lost := a.backend.lostRows()
	a.mu.Unlock()

	tracks := make([]pipeline.Track, 0, len(active)+len(lost))
	for _, row := range active {
		tracks = append(tracks, rowToTrack(row, true))
	}
	for _, row := range lost {
		tracks = append(tracks, rowToTrack(row, false))
	}
	return tracks, nil
}

func rowToTrack(row byteRow, updated bool) pipeline.Track {
	x, y, w, h := row[0], row[1], row[2], row[3]
	return pipeline.Track{
		ID:        int(row[4]),
		BBox:      fromBox(box{x, y, x + w, y + h}),
		Confirmed: true,
		Updated:   updated,
		Score:     float32(row[5]),
	}
}

func toBox(b pipeline.BBox) box {
	return box{float64(b.X1), float64(b.Y1), float64(b.X2), float64(b.Y2)}
}

func fromBox(b box) pipeline.BBox {
	return pipeline.BBox{X1: float32(b[0]), Y1: float32(b[1]), X2: float32(b[2]), Y2: float32(b[3])}
}

var (
	_ pipeline.Tracker = (*sortAdapter)(nil)
	_ pipeline.Tracker = (*byteAdapter)(nil)
)
