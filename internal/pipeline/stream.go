package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vigil/internal/events"
	"vigil/internal/identity"
)

// StreamPipeline runs capture, detection, tracking and identity resolution
// for a single camera
type StreamPipeline struct {
	cameraID string
	source   string
	stride   int
	m        *Manager
	src      FrameSource
	tracker  Tracker
	appender *orderedAppender
	log      zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool // set by StopCamera, guarded by Manager.mu

	lastTS time.Time

	framesRead      atomic.Uint64
	framesProcessed atomic.Uint64
	eventsLogged    atomic.Uint64
	reconnects      atomic.Uint64
	pending         atomic.Int64

	statusMu sync.RWMutex
	state    CameraState
	lastErr  string
	since    time.Time
}

func (p *StreamPipeline) run(ctx context.Context) {
	defer close(p.done)
	defer p.shutdown()

	p.log.Info().Str("source", p.source).Int("stride", p.stride).Msg("processing loop started")

	failures := 0
	opened := false
	for {
		if ctx.Err() != nil {
			return
		}

		if !opened {
			if err := p.src.Open(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				if !p.backoff(ctx, failures, fmt.Errorf("open source: %w", err)) {
					return
				}
				continue
			}
			opened = true
		}

		frame, err := p.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.src.Close()
			opened = false
			if !p.backoff(ctx, failures, fmt.Errorf("read frame: %w", err)) {
				return
			}
			continue
		}

		if failures > 0 {
			p.log.Info().Int("failures", failures).Msg("camera source recovered")
			failures = 0
		}
		p.setState(CameraRunning, "")

		n := p.framesRead.Add(1)
		if n%uint64(p.stride) != 0 {
			continue
		}
		p.processFrame(ctx, frame)
	}
}

// backoff records a source failure and waits before the next attempt. It
// returns false when the pipeline was stopped while waiting.
func (p *StreamPipeline) backoff(ctx context.Context, failures int, err error) bool {
	p.reconnects.Add(1)
	rc := p.m.cfg.Reconnect

	state := CameraRetrying
	if failures >= rc.DegradedAfter {
		state = CameraDegraded
	}
	p.setState(state, err.Error())

	delay := calculateBackoff(failures, rc)
	p.log.Warn().Err(err).Int("attempt", failures).Dur("delay", delay).Msg("camera source failed, retrying")
	return sleepCtx(ctx, delay)
}

func (p *StreamPipeline) shutdown() {
	if err := p.src.Close(); err != nil {
		p.log.Debug().Err(err).Msg("closing source")
	}

	if p.appender.Pending() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), p.m.cfg.FrameTimeout)
		if _, err := p.appender.Flush(ctx); err != nil {
			p.log.Error().Err(err).Int("pending", p.appender.Pending()).Msg("event records lost on stop")
		}
		cancel()
		p.pending.Store(int64(p.appender.Pending()))
	}

	p.setState(CameraStopped, "")
	p.log.Info().Msg("processing loop stopped")
}

// processFrame runs one frame through detection, tracking and identity
// resolution. Errors never leave this function. The frame is finished even
// if the pipeline is stopped meanwhile, bounded by the frame timeout.
func (p *StreamPipeline) processFrame(ctx context.Context, frame *FrameData) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Uint64("seq", frame.Seq).Msg("frame processing panicked")
		}
	}()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.m.cfg.FrameTimeout)
	defer cancel()

	p.framesProcessed.Add(1)

	detections, err := p.m.detector.Detect(fctx, frame)
	if err != nil {
		p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("detection failed")
		return
	}

	persons := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Class == p.m.cfg.PersonClass && d.Confidence > p.m.cfg.ConfidenceFloor && d.BBox.Valid() {
			persons = append(persons, d)
		}
	}

	tracks, err := p.tracker.Update(persons, frame)
	if err != nil {
		p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("tracker update failed")
		return
	}

	active := make([]int, 0, len(tracks))
	for _, t := range tracks {
		active = append(active, t.ID)
	}
	p.m.gate.Retain(p.cameraID, active)
	p.m.retainBindings(p.cameraID, active)

	now := p.now()
	for _, t := range tracks {
		if !t.Confirmed || !t.Updated {
			continue
		}
		if fctx.Err() != nil {
			p.log.Warn().Uint64("seq", frame.Seq).Msg("frame deadline exceeded, skipping remaining tracks")
			return
		}

		res, err := p.resolve(fctx, frame, t)
		if err != nil {
			// the person is still recorded and may alert
			p.log.Warn().Err(err).Int("track_id", t.ID).Msg("identity resolution failed, treating as unknown")
			res = identity.Unknown(identity.OutcomeEmbedError)
			res.Version = p.m.index.Snapshot().Version()
		}
		p.emit(fctx, frame, t, res, now)
	}
}

// now returns the current time, never earlier than the last record of
// this camera.
func (p *StreamPipeline) now() time.Time {
	now := p.m.clock().UTC()
	if now.Before(p.lastTS) {
		now = p.lastTS
	}
	p.lastTS = now
	return now
}

func (p *StreamPipeline) resolve(ctx context.Context, frame *FrameData, t Track) (identity.Result, error) {
	if person, ok := p.m.boundPerson(p.cameraID, t.ID); ok {
		snap := p.m.index.Snapshot()
		if r, ok := snap.Lookup(person); ok {
			return identity.Result{Name: r.Name, Role: r.Role, Outcome: identity.OutcomeBound, Version: snap.Version()}, nil
		}
		p.log.Warn().Str("person", person).Int("track_id", t.ID).Msg("bound person is not enrolled, resolving by face")
	}

	img, err := frame.Image()
	if err != nil {
		return identity.Result{}, err
	}

	region, err := HeadRegion(t.BBox, img.Bounds(), p.m.cfg.HeadFraction)
	if err != nil {
		return identity.Unknown(identity.OutcomeNoFace), nil
	}

	crop := CropRegion(img, region, p.m.cfg.MinRegionSide)
	return p.m.index.ResolveRegion(ctx, p.m.embedder, crop)
}

func (p *StreamPipeline) emit(ctx context.Context, frame *FrameData, t Track, res identity.Result, now time.Time) {
	rec := events.Record{
		ID:         uuid.NewString(),
		Timestamp:  now,
		CameraID:   p.cameraID,
		TrackID:    t.ID,
		PersonName: res.Name,
		Role:       res.Role,
		Confidence: float64(t.Score),
		BBox:       t.BBox.record(),
		Outcome:    res.Outcome,
		Distance:   res.Distance,
	}

	authorized := p.m.gate.ShouldAlert(p.cameraID, t.ID, res, now)

	if p.wantEvidence(res, authorized) {
		path, err := p.m.evidence.Save(ctx, Evidence{
			CameraID:  p.cameraID,
			TrackID:   t.ID,
			Timestamp: now,
			Frame:     frame,
			BBox:      t.BBox,
			Label:     fmt.Sprintf("%s #%d", res.Name, t.ID),
		})
		if err != nil {
			p.log.Warn().Err(err).Int("track_id", t.ID).Msg("evidence capture failed")
		} else {
			rec.EvidencePath = path
		}
	}

	written, err := p.appender.Append(ctx, rec)
	p.eventsLogged.Add(uint64(written))
	p.pending.Store(int64(p.appender.Pending()))
	if err != nil {
		p.log.Error().Err(err).
			Int("pending", p.appender.Pending()).
			Uint64("dropped", p.appender.Dropped()).
			Msg("event log append failed, record kept for retry")
		p.m.bus.PublishStatus(p.statusWithError(err))
	}

	p.m.buffer.Push(rec, now)
	p.m.publish(rec)

	if authorized {
		p.m.enqueueAlert(Alert{
			CameraID:  p.cameraID,
			TrackID:   t.ID,
			Timestamp: now,
			Message:   fmt.Sprintf("Unknown person on camera %s (track %d)", p.cameraID, t.ID),
			ImagePath: rec.EvidencePath,
			Record:    rec,
		})
	}

	p.log.Debug().
		Int("track_id", t.ID).
		Str("person", rec.PersonName).
		Str("outcome", string(rec.Outcome)).
		Bool("alert", authorized).
		Msg("event recorded")
}

func (p *StreamPipeline) wantEvidence(res identity.Result, authorized bool) bool {
	if p.m.evidence == nil {
		return false
	}
	switch p.m.cfg.Evidence {
	case EvidenceAlways:
		return !res.Known()
	case EvidenceAlert:
		return authorized
	default:
		return false
	}
}

func (p *StreamPipeline) setState(state CameraState, lastErr string) {
	p.statusMu.Lock()
	changed := p.state != state
	p.state = state
	if lastErr != "" || state == CameraRunning {
		p.lastErr = lastErr
	}
	if changed {
		p.since = p.m.clock()
	}
	p.statusMu.Unlock()

	if changed {
		p.log.Info().Str("state", string(state)).Msg("camera state changed")
		p.m.bus.PublishStatus(p.Status())
	}
}

// Status returns a snapshot of the pipeline state
func (p *StreamPipeline) Status() CameraStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()

	return CameraStatus{
		CameraID:          p.cameraID,
		Source:            p.source,
		State:             p.state,
		Stride:            p.stride,
		FramesRead:        p.framesRead.Load(),
		FramesProcessed:   p.framesProcessed.Load(),
		EventsLogged:      p.eventsLogged.Load(),
		PendingAppends:    int(p.pending.Load()),
		ReconnectAttempts: p.reconnects.Load(),
		LastError:         p.lastErr,
		Since:             p.since,
	}
}

func (p *StreamPipeline) statusWithError(err error) CameraStatus {
	st := p.Status()
	st.LastError = err.Error()
	return st
}

func (p *StreamPipeline) stop() {
	p.cancel()
	<-p.done
}

