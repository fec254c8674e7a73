package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/alert"
	"vigil/internal/events"
	"vigil/internal/identity"
)

var (
	ErrCameraExists   = errors.New("camera already running")
	ErrCameraNotFound = errors.New("camera not found")
	ErrUnknownPerson  = errors.New("person is not enrolled")
	ErrManagerClosed  = errors.New("pipeline manager closed")
	ErrMissingDep     = errors.New("missing pipeline dependency")
)

// Deps are the collaborators shared by every camera pipeline
type Deps struct {
	Detector   Detector
	Trackers   TrackerFactory
	Embedder   identity.Embedder
	Index      *identity.Index
	Gate       *alert.Gate
	Buffer     *events.Buffer
	Sink       EventSink
	OpenSource SourceOpener

	// Optional
	Evidence EvidenceStore
	Notifier Notifier
	Bindings BindingStore
	Bus      *EventBus
	Clock    func() time.Time
	Logger   zerolog.Logger
}

type bindingKey struct {
	cameraID string
	trackID  int
}

// Manager owns the camera pipelines and the state they share: the identity
// index, the alert gate, the event buffer and the alert dispatcher.
type Manager struct {
	cfg      Config
	detector Detector
	trackers TrackerFactory
	embedder identity.Embedder
	index    *identity.Index
	gate     *alert.Gate
	buffer   *events.Buffer
	sink     EventSink
	open     SourceOpener
	evidence EvidenceStore
	notifier Notifier
	bindings BindingStore
	bus      *EventBus
	clock    func() time.Time
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	pipelines map[string]*StreamPipeline
	closed    bool

	bindMu sync.RWMutex
	bound  map[bindingKey]string

	alerts chan Alert
}

// NewManager validates deps and starts the alert dispatcher and the
// housekeeping loop. Call Close to stop everything.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Detector == nil:
		return nil, fmt.Errorf("%w: detector", ErrMissingDep)
	case deps.Trackers == nil:
		return nil, fmt.Errorf("%w: tracker factory", ErrMissingDep)
	case deps.Embedder == nil:
		return nil, fmt.Errorf("%w: embedder", ErrMissingDep)
	case deps.Index == nil:
		return nil, fmt.Errorf("%w: identity index", ErrMissingDep)
	case deps.Gate == nil:
		return nil, fmt.Errorf("%w: alert gate", ErrMissingDep)
	case deps.Buffer == nil:
		return nil, fmt.Errorf("%w: event buffer", ErrMissingDep)
	case deps.Sink == nil:
		return nil, fmt.Errorf("%w: event sink", ErrMissingDep)
	case deps.OpenSource == nil:
		return nil, fmt.Errorf("%w: source opener", ErrMissingDep)
	}

	cfg = cfg.withDefaults()
	if deps.Bus == nil {
		deps.Bus = NewEventBus()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		detector:  deps.Detector,
		trackers:  deps.Trackers,
		embedder:  deps.Embedder,
		index:     deps.Index,
		gate:      deps.Gate,
		buffer:    deps.Buffer,
		sink:      deps.Sink,
		open:      deps.OpenSource,
		evidence:  deps.Evidence,
		notifier:  deps.Notifier,
		bindings:  deps.Bindings,
		bus:       deps.Bus,
		clock:     deps.Clock,
		log:       deps.Logger.With().Str("component", "pipeline").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		pipelines: make(map[string]*StreamPipeline),
		bound:     make(map[bindingKey]string),
		alerts:    make(chan Alert, cfg.AlertQueue),
	}

	m.wg.Add(2)
	go m.dispatchAlerts()
	go m.housekeeping()

	return m, nil
}

// Config returns the effective pipeline configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// Bus returns the event bus observers subscribe to
func (m *Manager) Bus() *EventBus {
	return m.bus
}

// Subscribe registers an observer for records and status changes of all
// cameras.
func (m *Manager) Subscribe(o Observer) func() {
	return m.bus.Subscribe(o)
}

// StartCamera starts a pipeline for cameraID reading from source. A stride
// of zero or less uses the configured default.
func (m *Manager) StartCamera(cameraID, source string, stride int) error {
	if stride <= 0 {
		stride = m.cfg.Stride
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if p, exists := m.pipelines[cameraID]; exists {
		if p.stopping {
			return fmt.Errorf("%w: %s is still stopping", ErrCameraExists, cameraID)
		}
		return fmt.Errorf("%w: %s", ErrCameraExists, cameraID)
	}

	src, err := m.open(cameraID, source)
	if err != nil {
		return fmt.Errorf("open source for camera %s: %w", cameraID, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	p := &StreamPipeline{
		cameraID: cameraID,
		source:   source,
		stride:   stride,
		m:        m,
		src:      src,
		tracker:  m.trackers.NewTracker(),
		appender: newOrderedAppender(m.sink, m.cfg.MaxPending),
		log:      m.log.With().Str("camera_id", cameraID).Logger(),
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    CameraStarting,
		since:    m.clock(),
	}
	m.pipelines[cameraID] = p

	go p.run(ctx)

	m.log.Info().Str("camera_id", cameraID).Str("tracker", m.trackers.Name()).Msg("camera pipeline started")
	return nil
}

// StopCamera stops the camera pipeline. The frame in flight is finished
// before StopCamera returns.
func (m *Manager) StopCamera(cameraID string) error {
	m.mu.Lock()
	p, exists := m.pipelines[cameraID]
	if !exists || p.stopping {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}
	// the id stays taken until its cooldown and binding state is gone
	p.stopping = true
	m.mu.Unlock()

	p.stop()
	m.gate.Forget(cameraID)
	m.forgetBindings(cameraID)

	m.mu.Lock()
	if m.pipelines[cameraID] == p {
		delete(m.pipelines, cameraID)
	}
	m.mu.Unlock()

	m.log.Info().Str("camera_id", cameraID).Msg("camera pipeline stopped")
	return nil
}

// IsRunning reports whether the camera has a pipeline that is not stopping
func (m *Manager) IsRunning(cameraID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[cameraID]
	return ok && !p.stopping
}

// CameraStatus returns the status of one camera
func (m *Manager) CameraStatus(cameraID string) (CameraStatus, error) {
	m.mu.RLock()
	p, ok := m.pipelines[cameraID]
	m.mu.RUnlock()
	if !ok {
		return CameraStatus{}, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}
	return p.Status(), nil
}

// Status returns the status of every running camera ordered by id
func (m *Manager) Status() []CameraStatus {
	m.mu.RLock()
	out := make([]CameraStatus, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Summary reports the recent activity held by the event buffer
func (m *Manager) Summary(now time.Time) events.Summary {
	return m.buffer.Summarize(now)
}

// ReloadIdentityIndex rebuilds the identity index from the person store.
// Pipelines pick up the new snapshot on their next lookup.
func (m *Manager) ReloadIdentityIndex(ctx context.Context) (*identity.Snapshot, error) {
	snap, err := m.index.Reload(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("identity index reload failed, keeping previous snapshot")
		return nil, err
	}
	return snap, nil
}

// BindTrack pins a track to an enrolled person. The binding lasts until
// the track ends or UnbindTrack is called.
func (m *Manager) BindTrack(ctx context.Context, cameraID string, trackID int, person string) error {
	if _, ok := m.index.Snapshot().Lookup(person); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPerson, person)
	}

	if m.bindings != nil {
		if err := m.bindings.SaveBinding(ctx, cameraID, trackID, person); err != nil {
			return fmt.Errorf("save binding: %w", err)
		}
	}

	m.bindMu.Lock()
	m.bound[bindingKey{cameraID, trackID}] = person
	m.bindMu.Unlock()

	m.log.Info().Str("camera_id", cameraID).Int("track_id", trackID).Str("person", person).Msg("track bound")
	return nil
}

// UnbindTrack removes a manual binding
func (m *Manager) UnbindTrack(ctx context.Context, cameraID string, trackID int) error {
	if m.bindings != nil {
		if err := m.bindings.DeleteBinding(ctx, cameraID, trackID); err != nil {
			return fmt.Errorf("delete binding: %w", err)
		}
	}

	m.bindMu.Lock()
	delete(m.bound, bindingKey{cameraID, trackID})
	m.bindMu.Unlock()
	return nil
}

func (m *Manager) boundPerson(cameraID string, trackID int) (string, bool) {
	m.bindMu.RLock()
	defer m.bindMu.RUnlock()
	p, ok := m.bound[bindingKey{cameraID, trackID}]
	return p, ok
}

// retainBindings drops bindings of tracks that ended
func (m *Manager) retainBindings(cameraID string, active []int) {
	live := make(map[int]struct{}, len(active))
	for _, id := range active {
		live[id] = struct{}{}
	}

	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	for k := range m.bound {
		if k.cameraID != cameraID {
			continue
		}
		if _, ok := live[k.trackID]; !ok {
			delete(m.bound, k)
		}
	}
}

func (m *Manager) forgetBindings(cameraID string) {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	for k := range m.bound {
		if k.cameraID == cameraID {
			delete(m.bound, k)
		}
	}
}

func (m *Manager) publish(rec events.Record) {
	m.bus.PublishEvent(rec)
}

// enqueueAlert hands an alert to the dispatcher without blocking the
// camera worker. Alerts are dropped when the queue is full.
func (m *Manager) enqueueAlert(a Alert) {
	if m.notifier == nil {
		return
	}
	select {
	case m.alerts <- a:
	default:
		m.log.Warn().Str("camera_id", a.CameraID).Int("track_id", a.TrackID).Msg("alert queue full, dropping alert")
	}
}

func (m *Manager) dispatchAlerts() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			m.drainAlerts()
			return
		case a := <-m.alerts:
			m.deliver(a)
		}
	}
}

// drainAlerts delivers alerts queued before shutdown
func (m *Manager) drainAlerts() {
	for {
		select {
		case a := <-m.alerts:
			m.deliver(a)
		default:
			return
		}
	}
}

func (m *Manager) deliver(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
	defer cancel()

	if err := m.notifier.Notify(ctx, a); err != nil {
		m.log.Warn().Err(err).Str("camera_id", a.CameraID).Int("track_id", a.TrackID).Msg("alert delivery failed")
		return
	}
	m.log.Info().Str("camera_id", a.CameraID).Int("track_id", a.TrackID).Msg("alert delivered")
}

func (m *Manager) housekeeping() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := m.clock()
			summary := m.buffer.Summarize(now)
			m.log.Info().Int("events", summary.Total).Str("summary", summary.String()).Msg("recent activity")

			if n := m.gate.Sweep(now, m.cfg.CooldownMaxAge); n > 0 {
				m.log.Debug().Int("evicted", n).Msg("cooldown entries swept")
			}
		}
	}
}

// Close stops every camera pipeline, delivers queued alerts and stops the
// background loops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pipelines := make([]*StreamPipeline, 0, len(m.pipelines))
	for id, p := range m.pipelines {
		pipelines = append(pipelines, p)
		delete(m.pipelines, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pipelines {
		wg.Add(1)
		go func(p *StreamPipeline) {
			defer wg.Done()
			p.stop()
		}(p)
	}
	wg.Wait()

	m.cancel()
	m.wg.Wait()
	m.bus.Close()

	m.log.Info().Int("cameras", len(pipelines)).Msg("pipeline manager closed")
	return nil
}
