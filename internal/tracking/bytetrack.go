package tracking

// byteRow is the native output of the bytetrack backend:
// x, y, w, h, track id, score.
type byteRow [6]float64

type byteTrack struct {
	id         int
	ltrb       box
	score      float64
	lostFrames int
}

func (t *byteTrack) row() byteRow {
	return byteRow{t.ltrb[0], t.ltrb[1], t.ltrb[2] - t.ltrb[0], t.ltrb[3] - t.ltrb[1], float64(t.id), t.score}
}

// byteTracker follows the ByteTrack association scheme: high score
// detections are matched first against tracked and lost tracks, then low
// score detections recover the tracks still unmatched. Only active tracks
// are emitted, and each emitted row is a confirmed track.
type byteTracker struct {
	highThresh  float64
	lowThresh   float64
	matchIoU    float64
	lowMatchIoU float64
	trackBuffer int
	nextID      int
	tracked     []*byteTrack
	lost        []*byteTrack
}

func newByteTracker(highThresh, lowThresh float64, trackBuffer int) *byteTracker {
	return &byteTracker{
		highThresh:  highThresh,
		lowThresh:   lowThresh,
		matchIoU:    0.2,
		lowMatchIoU: 0.5,
		trackBuffer: trackBuffer,
	}
}

// update takes rows of x1, y1, x2, y2, score and returns active tracks.
func (b *byteTracker) update(dets [][5]float64) []byteRow {
	var high, low [][5]float64
	for _, d := range dets {
		switch {
		case d[4] >= b.highThresh:
			high = append(high, d)
		case d[4] >= b.lowThresh:
			low = append(low, d)
		}
	}

	pool := make([]*byteTrack, 0, len(b.tracked)+len(b.lost))
	pool = append(pool, b.tracked...)
	pool = append(pool, b.lost...)

	matches, unmatchedPool, unmatchedHigh := greedyMatch(boxesOf(pool), detBoxes(high), b.matchIoU)

	var active []*byteTrack
	for _, m := range matches {
		t := pool[m.row]
		t.apply(high[m.col])
		active = append(active, t)
	}

	// Second stage: only tracks that were active last frame may take low
	// score detections.
	var remaining []*byteTrack
	var stillLost []*byteTrack
	for _, i := range unmatchedPool {
		t := pool[i]
		if t.lostFrames == 0 {
			remaining = append(remaining, t)
		} else {
			stillLost = append(stillLost, t)
		}
	}

	matches, unmatchedRemaining, _ := greedyMatch(boxesOf(remaining), detBoxes(low), b.lowMatchIoU)
	for _, m := range matches {
		t := remaining[m.row]
		t.apply(low[m.col])
		active = append(active, t)
	}
	for _, i := range unmatchedRemaining {
		stillLost = append(stillLost, remaining[i])
	}

	var lost []*byteTrack
	for _, t := range stillLost {
		t.lostFrames++
		if t.lostFrames <= b.trackBuffer {
			lost = append(lost, t)
		}
	}

	for _, i := range unmatchedHigh {
		b.nextID++
		t := &byteTrack{id: b.nextID}
		t.apply(high[i])
		active = append(active, t)
	}

	b.tracked = active
	b.lost = lost

	rows := make([]byteRow, len(active))
	for i, t := range active {
		rows[i] = t.row()
	}
	return rows
}

// lostRows returns the tracks kept in the lost buffer.
func (b *byteTracker) lostRows() []byteRow {
	rows := make([]byteRow, len(b.lost))
	for i, t := range b.lost {
		rows[i] = t.row()
	}
	return rows
}

func (t *byteTrack) apply(d [5]float64) {
	t.ltrb = box{d[0], d[1], d[2], d[3]}
	t.score = d[4]
	t.lostFrames = 0
}

func boxesOf(tracks []*byteTrack) []box {
	out := make([]box, len(tracks))
	for i, t := range tracks {
		out[i] = t.ltrb
	}
	return out
}

func detBoxes(dets [][5]float64) []box {
	out := make([]box, len(dets))
	for i, d := range dets {
		out[i] = box{d[0], d[1], d[2], d[3]}
	}
	return out
}
