package alert

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/identity"
)

var (
	unknown = identity.Unknown(identity.OutcomeUnknown)
	noFace  = identity.Unknown(identity.OutcomeNoFace)
	ana     = identity.Result{Name: "Ana", Role: identity.RoleEmployee, Outcome: identity.OutcomeMatched}
)

func TestGateCooldown(t *testing.T) {
	g := NewGate(8 * time.Second)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{2 * time.Second, false},
		{7999 * time.Millisecond, false},
		{9 * time.Second, true},
		{12 * time.Second, false},
		{17 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("t+%s", tt.offset), func(t *testing.T) {
			assert.Equal(t, tt.want, g.ShouldAlert("cam1", 7, unknown, t0.Add(tt.offset)))
		})
	}
}

func TestGateExactlyAtCooldownAuthorizes(t *testing.T) {
	g := NewGate(8 * time.Second)
	t0 := time.Unix(1000, 0)

	require.True(t, g.ShouldAlert("cam1", 1, unknown, t0))
	assert.True(t, g.ShouldAlert("cam1", 1, unknown, t0.Add(8*time.Second)))
}

func TestGateAtMostOneWithinWindow(t *testing.T) {
	g := NewGate(10 * time.Second)
	t0 := time.Unix(5000, 0)

	authorized := 0
	for i := 0; i < 100; i++ {
		if g.ShouldAlert("lobby", 3, noFace, t0.Add(time.Duration(i)*90*time.Millisecond)) {
			authorized++
		}
	}
	assert.Equal(t, 1, authorized)
}

func TestGateKnownNeverAlerts(t *testing.T) {
	g := NewGate(time.Second)
	t0 := time.Unix(0, 0)

	for i := 0; i < 10; i++ {
		assert.False(t, g.ShouldAlert("cam1", 1, ana, t0.Add(time.Duration(i)*time.Hour)))
	}
	assert.Equal(t, 0, g.Len())

	require.True(t, g.ShouldAlert("cam1", 1, unknown, t0))
	assert.False(t, g.ShouldAlert("cam1", 1, ana, t0.Add(time.Hour)))
	assert.False(t, g.ShouldAlert("cam1", 1, unknown, t0.Add(500*time.Millisecond)),
		"known observations must not reset a hot key")
}

func TestGateKeysAreIndependent(t *testing.T) {
	g := NewGate(8 * time.Second)
	t0 := time.Unix(0, 0)

	assert.True(t, g.ShouldAlert("cam1", 1, unknown, t0))
	assert.True(t, g.ShouldAlert("cam1", 2, unknown, t0))
	assert.True(t, g.ShouldAlert("cam2", 1, unknown, t0))
	assert.False(t, g.ShouldAlert("cam2", 1, unknown, t0.Add(time.Second)))
}

func TestGatePolicy(t *testing.T) {
	everyone := func(identity.Result) bool { return true }
	g := NewGate(time.Second, WithPolicy(everyone))

	assert.True(t, g.ShouldAlert("cam1", 1, ana, time.Unix(0, 0)))
}

func TestGateRetainAndSweep(t *testing.T) {
	g := NewGate(8 * time.Second)
	t0 := time.Unix(100, 0)

	for id := 1; id <= 4; id++ {
		g.ShouldAlert("cam1", id, unknown, t0)
	}
	g.ShouldAlert("cam2", 1, unknown, t0.Add(50*time.Second))
	require.Equal(t, 5, g.Len())

	assert.Equal(t, 2, g.Retain("cam1", []int{1, 3}))
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, 0, g.Retain("unknown-camera", nil))

	assert.Equal(t, 2, g.Sweep(t0.Add(time.Minute), 20*time.Second))
	assert.Equal(t, 1, g.Len())

	// maxAge is never shorter than the cooldown
	assert.Equal(t, 0, g.Sweep(t0.Add(55*time.Second), time.Second))

	g.Forget("cam2")
	assert.Equal(t, 0, g.Len())

	// a dropped track starts cold again
	assert.True(t, g.ShouldAlert("cam1", 2, unknown, t0.Add(time.Second)))
}

func TestGateConcurrentCameras(t *testing.T) {
	g := NewGate(time.Hour)
	t0 := time.Unix(0, 0)

	var wg sync.WaitGroup
	counts := make([]int, 8)
	for c := 0; c < len(counts); c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			cam := fmt.Sprintf("cam%d", c)
			for i := 0; i < 1000; i++ {
				if g.ShouldAlert(cam, i%10, unknown, t0.Add(time.Duration(i)*time.Millisecond)) {
					counts[c]++
				}
			}
		}(c)
	}
	wg.Wait()

	for c, n := range counts {
		assert.Equal(t, 10, n, "camera %d", c)
	}
}
