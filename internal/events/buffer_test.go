package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/identity"
)

func rec(camera, person string) Record {
	return Record{CameraID: camera, PersonName: person}
}

func TestBufferSummarize(t *testing.T) {
	b := NewBuffer(30 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	b.Push(rec("cam1", "Ana"), t0)
	b.Push(rec("cam1", identity.UnknownName), t0.Add(time.Second))
	b.Push(rec("cam2", identity.UnknownName), t0.Add(2*time.Second))

	sum := b.Summarize(t0.Add(3 * time.Second))
	assert.False(t, sum.Empty())
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Unknown)
	assert.Equal(t, map[string]int{"cam1": 2, "cam2": 1}, sum.PerCamera)
	assert.Equal(t, "cam1:2; cam2:1; Unknown: 2", sum.String())
}

func TestBufferEmptyWindowAfterExpiry(t *testing.T) {
	b := NewBuffer(30 * time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	const n = 10
	for i := 0; i < n; i++ {
		b.Push(rec("cam1", identity.UnknownName), t0.Add(time.Duration(i)*time.Second))
	}
	last := t0.Add((n - 1) * time.Second)

	sum := b.Summarize(last.Add(31 * time.Second))
	assert.True(t, sum.Empty())
	assert.Equal(t, "No events in the last 30s.", sum.String())
}

func TestBufferSummarizeNeverCountsStaleEntries(t *testing.T) {
	b := NewBuffer(30 * time.Second)
	t0 := time.Unix(0, 0)

	for i := 0; i < 60; i++ {
		b.Push(rec("cam1", "Ana"), t0.Add(time.Duration(i)*time.Second))
	}

	for _, q := range []time.Duration{59, 70, 80, 89, 90} {
		now := t0.Add(q * time.Second)
		sum := b.Summarize(now)
		// entries at seconds >= q-30 and <= 59
		want := 0
		for i := 0; i < 60; i++ {
			if int64(i) >= int64(q)-30 {
				want++
			}
		}
		assert.Equal(t, want, sum.Total, "query at t+%ds", q)
	}
}

func TestBufferSummarizeDoesNotEvict(t *testing.T) {
	b := NewBuffer(10 * time.Second)
	t0 := time.Unix(0, 0)
	b.Push(rec("cam1", "Ana"), t0)

	assert.True(t, b.Summarize(t0.Add(time.Minute)).Empty())
	assert.Equal(t, 1, b.Len())

	b.Push(rec("cam1", "Ana"), t0.Add(time.Minute))
	assert.Equal(t, 1, b.Len())
}

func TestBufferPushEvicts(t *testing.T) {
	b := NewBuffer(5 * time.Second)
	t0 := time.Unix(0, 0)

	for i := 0; i < 1000; i++ {
		b.Push(rec("cam1", "Ana"), t0.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 6, b.Len())
}

func TestBufferConcurrentPush(t *testing.T) {
	b := NewBuffer(time.Hour)
	now := time.Unix(0, 0)

	var wg sync.WaitGroup
	for c := 0; c < 6; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Push(rec(fmt.Sprintf("cam%d", c), identity.UnknownName), now)
				if i%50 == 0 {
					b.Summarize(now)
				}
			}
		}(c)
	}
	wg.Wait()

	sum := b.Summarize(now)
	require.Equal(t, 3000, sum.Total)
	assert.Equal(t, 3000, sum.Unknown)
	for c := 0; c < 6; c++ {
		assert.Equal(t, 500, sum.PerCamera[fmt.Sprintf("cam%d", c)])
	}
}
