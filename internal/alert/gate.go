package alert

import (
	"sync"
	"time"

	"vigil/internal/identity"
)

// DefaultCooldown is the minimum time between two alerts for one track.
const DefaultCooldown = 8 * time.Second

// Policy reports whether a resolved identity is eligible for alerting.
type Policy func(res identity.Result) bool

// UnknownOnly alerts on unresolved subjects and never on enrolled persons.
func UnknownOnly(res identity.Result) bool {
	return !res.Known()
}

// Gate decides whether an observation should raise a notification.
// Each (camera, track) key is Cold until an eligible observation arrives,
// Hot for the cooldown that follows, then Cold again.
//
// State is sharded by camera so that workers for different cameras never
// contend on the same lock.
type Gate struct {
	cooldown time.Duration
	policy   Policy
	shards   sync.Map // camera id -> *shard
}

type shard struct {
	mu   sync.Mutex
	last map[int]time.Time
}

// Option configures a Gate
type Option func(*Gate)

func WithPolicy(p Policy) Option {
	return func(g *Gate) {
		if p != nil {
			g.policy = p
		}
	}
}

// NewGate creates a gate with the given cooldown. A non-positive cooldown
// falls back to DefaultCooldown.
func NewGate(cooldown time.Duration, opts ...Option) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	g := &Gate{
		cooldown: cooldown,
		policy:   UnknownOnly,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}

func (g *Gate) shard(cameraID string) *shard {
	if s, ok := g.shards.Load(cameraID); ok {
		return s.(*shard)
	}
	s, _ := g.shards.LoadOrStore(cameraID, &shard{last: make(map[int]time.Time)})
	return s.(*shard)
}

// ShouldAlert returns true when a notification should fire for this
// observation and records now as the last alert time for the key.
func (g *Gate) ShouldAlert(cameraID string, trackID int, res identity.Result, now time.Time) bool {
	if !g.policy(res) {
		return false
	}

	s := g.shard(cameraID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.last[trackID]; ok && now.Sub(last) < g.cooldown {
		return false
	}
	s.last[trackID] = now
	return true
}

// Retain drops cooldown entries for tracks of cameraID that are no longer
// emitted by the tracker. It returns the number of entries removed.
func (g *Gate) Retain(cameraID string, active []int) int {
	v, ok := g.shards.Load(cameraID)
	if !ok {
		return 0
	}
	s := v.(*shard)

	keep := make(map[int]struct{}, len(active))
	for _, id := range active {
		keep[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id := range s.last {
		if _, ok := keep[id]; !ok {
			delete(s.last, id)
			removed++
		}
	}
	return removed
}

// Sweep removes entries whose last alert is older than maxAge. Entries
// younger than the cooldown are always kept.
func (g *Gate) Sweep(now time.Time, maxAge time.Duration) int {
	if maxAge < g.cooldown {
		maxAge = g.cooldown
	}

	removed := 0
	g.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		for id, last := range s.last {
			if now.Sub(last) >= maxAge {
				delete(s.last, id)
				removed++
			}
		}
		s.mu.Unlock()
		return true
	})
	return removed
}

// Forget drops all state for a camera.
func (g *Gate) Forget(cameraID string) {
	g.shards.Delete(cameraID)
}

// Len returns the number of tracked cooldown entries.
func (g *Gate) Len() int {
	n := 0
	g.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		n += len(s.last)
		s.mu.Unlock()
		return true
	})
	return n
}
