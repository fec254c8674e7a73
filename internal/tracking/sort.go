package tracking

type trackState int

const (
	stateTentative trackState = iota
	stateConfirmed
	stateDeleted
)

// sortTrack is the rich native track object of the sort backend
type sortTrack struct {
	trackID         int
	ltrb            box
	score           float64
	hits            int
	age             int
	timeSinceUpdate int
	state           trackState
}

func (t *sortTrack) IsConfirmed() bool { return t.state == stateConfirmed }
func (t *sortTrack) IsDeleted() bool   { return t.state == stateDeleted }
func (t *sortTrack) ToLTRB() box       { return t.ltrb }

type sortDetection struct {
	ltrb  box
	score float64
}

// sortTracker is a SORT-style tracker: greedy IoU association, tentative
// tracks confirmed after minHits consecutive matches, confirmed tracks
// coasting for up to maxAge frames without a match.
type sortTracker struct {
	maxAge       int
	minHits      int
	iouThreshold float64
	nextID       int
	tracks       []*sortTrack
}

func newSortTracker(maxAge, minHits int, iouThreshold float64) *sortTracker {
	return &sortTracker{
		maxAge:       maxAge,
		minHits:      minHits,
		iouThreshold: iouThreshold,
	}
}

// update returns every live track, tentative ones included.
func (s *sortTracker) update(dets []sortDetection) []*sortTrack {
	for _, t := range s.tracks {
		t.age++
		t.timeSinceUpdate++
	}

	trackBoxes := make([]box, len(s.tracks))
	for i, t := range s.tracks {
		trackBoxes[i] = t.ltrb
	}
	detBoxes := make([]box, len(dets))
	for i, d := range dets {
		detBoxes[i] = d.ltrb
	}

	matches, unmatchedTracks, unmatchedDets := greedyMatch(trackBoxes, detBoxes, s.iouThreshold)

	for _, m := range matches {
		t := s.tracks[m.row]
		t.ltrb = dets[m.col].ltrb
		t.score = dets[m.col].score
		t.hits++
		t.timeSinceUpdate = 0
		if t.state == stateTentative && t.hits >= s.minHits {
			t.state = stateConfirmed
		}
	}

	for _, i := range unmatchedTracks {
		t := s.tracks[i]
		switch {
		case t.state == stateTentative:
			t.state = stateDeleted
		case t.timeSinceUpdate > s.maxAge:
			t.state = stateDeleted
		}
	}

	for _, i := range unmatchedDets {
		s.nextID++
		t := &sortTrack{
			trackID: s.nextID,
			ltrb:    dets[i].ltrb,
			score:   dets[i].score,
			hits:    1,
			state:   stateTentative,
		}
		if s.minHits <= 1 {
			t.state = stateConfirmed
		}
		s.tracks = append(s.tracks, t)
	}

	live := s.tracks[:0]
	for _, t := range s.tracks {
		if !t.IsDeleted() {
			live = append(live, t)
		}
	}
	s.tracks = live

	out := make([]*sortTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}
