package identity

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var ErrNoSource = errors.New("identity index has no person source")

// Snapshot is an immutable set of enrolled records. It is never modified
// after publication; reload builds and publishes a new one.
type Snapshot struct {
	version  uint64
	records  []Record
	loadedAt time.Time
}

func newSnapshot(version uint64, records []Record) *Snapshot {
	copied := make([]Record, len(records))
	for i, r := range records {
		emb := make(Embedding, len(r.Embedding))
		copy(emb, r.Embedding)
		r.Embedding = emb
		copied[i] = r
	}
	return &Snapshot{version: version, records: copied, loadedAt: time.Now()}
}

func (s *Snapshot) Version() uint64     { return s.version }
func (s *Snapshot) Len() int            { return len(s.records) }
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Lookup returns the enrolled record with the given name.
func (s *Snapshot) Lookup(name string) (Record, bool) {
	for _, r := range s.records {
		if r.Name == name {
			return r, true
		}
	}
	return Record{}, false
}

// Resolve picks the record nearest to emb. Equal distances keep the record
// loaded first. Anything at or beyond threshold resolves to Unknown.
func (s *Snapshot) Resolve(emb Embedding, threshold float64, distance DistanceFunc) Result {
	if len(s.records) == 0 || len(emb) == 0 {
		res := Unknown(OutcomeUnknown)
		res.Version = s.version
		return res
	}

	best := -1
	bestDist := 0.0
	for i, r := range s.records {
		d := distance(emb, r.Embedding)
		if best == -1 || d < bestDist {
			best = i
			bestDist = d
		}
	}

	if bestDist >= threshold {
		res := Unknown(OutcomeUnknown)
		res.Distance = bestDist
		res.Version = s.version
		return res
	}

	r := s.records[best]
	return Result{
		Name:     r.Name,
		Role:     r.Role,
		Distance: bestDist,
		Outcome:  OutcomeMatched,
		Version:  s.version,
	}
}

// Index serves identity resolution from the current snapshot and swaps in
// a new snapshot on reload. Readers never take a lock.
type Index struct {
	current   atomic.Pointer[Snapshot]
	version   atomic.Uint64
	reloadMu  sync.Mutex
	threshold float64
	distance  DistanceFunc
	source    PersonSource
	embedder  Embedder
	log       zerolog.Logger
}

// Option configures an Index
type Option func(*Index)

func WithThreshold(t float64) Option {
	return func(i *Index) {
		if t > 0 {
			i.threshold = t
		}
	}
}

func WithDistance(fn DistanceFunc) Option {
	return func(i *Index) {
		if fn != nil {
			i.distance = fn
		}
	}
}

func WithSource(src PersonSource) Option {
	return func(i *Index) { i.source = src }
}

// WithEmbedder sets the embedder used to compute missing reference
// embeddings from enrollment images during reload.
func WithEmbedder(e Embedder) Option {
	return func(i *Index) { i.embedder = e }
}

func WithLogger(l zerolog.Logger) Option {
	return func(i *Index) { i.log = l }
}

// NewIndex creates an index holding an empty snapshot.
func NewIndex(opts ...Option) *Index {
	idx := &Index{
		threshold: DefaultThreshold,
		distance:  EuclideanDistance,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.current.Store(newSnapshot(0, nil))
	return idx
}

// Snapshot returns the snapshot currently published.
func (i *Index) Snapshot() *Snapshot {
	return i.current.Load()
}

func (i *Index) Threshold() float64 {
	return i.threshold
}

// Resolve resolves emb against a single snapshot.
func (i *Index) Resolve(emb Embedding) Result {
	return i.current.Load().Resolve(emb, i.threshold, i.distance)
}

// ResolveRegion embeds img and resolves it. A region without a detectable
// face yields Unknown with OutcomeNoFace.
func (i *Index) ResolveRegion(ctx context.Context, e Embedder, img image.Image) (Result, error) {
	emb, ok, err := e.Embed(ctx, img)
	if err != nil {
		return Result{}, fmt.Errorf("embed region: %w", err)
	}
	if !ok {
		res := Unknown(OutcomeNoFace)
		res.Version = i.current.Load().version
		return res, nil
	}
	return i.Resolve(emb), nil
}

// Publish swaps in a snapshot built from records and returns it.
func (i *Index) Publish(records []Record) *Snapshot {
	snap := newSnapshot(i.version.Add(1), records)
	i.current.Store(snap)
	return snap
}

// Reload rebuilds the snapshot from the person source. Persons without a
// stored embedding are embedded from their enrollment image.
func (i *Index) Reload(ctx context.Context) (*Snapshot, error) {
	if i.source == nil {
		return nil, ErrNoSource
	}

	i.reloadMu.Lock()
	defer i.reloadMu.Unlock()

	persons, err := i.source.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}

	records := make([]Record, 0, len(persons))
	for _, p := range persons {
		if len(p.Embedding) == 0 {
			emb, err := i.embedImage(ctx, p.ImagePath)
			if err != nil {
				i.log.Warn().Err(err).Str("person", p.Name).Msg("skipping person without usable enrollment image")
				continue
			}
			p.Embedding = emb
		}
		records = append(records, p)
	}

	snap := i.Publish(records)
	i.log.Info().
		Uint64("version", snap.version).
		Int("persons", snap.Len()).
		Int("skipped", len(persons)-snap.Len()).
		Msg("identity index reloaded")
	return snap, nil
}

func (i *Index) embedImage(ctx context.Context, path string) (Embedding, error) {
	if i.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	if path == "" {
		return nil, errors.New("no enrollment image")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	emb, ok, err := i.embedder.Embed(ctx, img)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no face found in %s", path)
	}
	return emb, nil
}
