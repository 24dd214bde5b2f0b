package proxy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPool(n int) []Descriptor {
	pool := make([]Descriptor, 0, n)
	names := []string{"nl", "de", "us", "jp", "br"}
	for i := 0; i < n; i++ {
		pool = append(pool, Descriptor{
			Name:     names[i%len(names)],
			Host:     "localhost",
			Port:     8881 + i,
			EgressIP: fmt.Sprintf("10.0.0.%d", i+1),
		})
	}
	return pool
}

func TestNewRotatorEmptyPool(t *testing.T) {
	_, err := NewRotator(nil, zap.NewNop())
	require.ErrorIs(t, err, ErrEmptyPool)
}

func TestAssignRoundRobinAndSticky(t *testing.T) {
	pool := testPool(3)
	r, err := NewRotator(pool, zap.NewNop())
	require.NoError(t, err)

	a := r.Assign(0)
	b := r.Assign(1)
	c := r.Assign(2)
	assert.Equal(t, pool[0], a)
	assert.Equal(t, pool[1], b)
	assert.Equal(t, pool[2], c)

	// A fourth worker wraps around the ring.
	d := r.Assign(3)
	assert.Equal(t, pool[0], d)

	// Repeat lookups are stable.
	assert.Equal(t, a, r.Assign(0))
	assert.Equal(t, b, r.Assign(1))
}

func TestRotateReturnsDistinct(t *testing.T) {
	pool := testPool(3)
	r, err := NewRotator(pool, zap.NewNop())
	require.NoError(t, err)

	current := r.Assign(0)
	for i := 0; i < 10; i++ {
		next := r.Rotate(current)
		assert.NotEqual(t, current.URL(), next.URL())
		current = next
	}
}

func TestRotateSingleEntryPool(t *testing.T) {
	pool := testPool(1)
	r, err := NewRotator(pool, zap.NewNop())
	require.NoError(t, err)

	current := r.Assign(0)
	next := r.Rotate(current)
	assert.Equal(t, current, next)
}

func TestRotateFromZeroDescriptor(t *testing.T) {
	pool := testPool(2)
	r, err := NewRotator(pool, zap.NewNop())
	require.NoError(t, err)

	next := r.Rotate(Descriptor{})
	assert.False(t, next.Zero())
}

func TestReassignUpdatesWorker(t *testing.T) {
	pool := testPool(2)
	r, err := NewRotator(pool, zap.NewNop())
	require.NoError(t, err)

	first := r.Assign(7)
	rotated := r.Rotate(first)
	r.Reassign(7, rotated)
	assert.Equal(t, rotated, r.Assign(7))
}

func TestStatsDistribution(t *testing.T) {
	pool := testPool(2)
	r, err := NewRotator(pool, zap.NewNop())
	require.NoError(t, err)

	r.Assign(0)
	r.Assign(1)
	r.Assign(2)

	stats := r.Stats()
	assert.Equal(t, 2, stats.PoolSize)
	assert.Equal(t, 3, stats.ActiveWorkers)
	assert.Equal(t, 2, stats.Distribution[pool[0].Name])
	assert.Equal(t, 1, stats.Distribution[pool[1].Name])
}

func TestAssignConcurrent(t *testing.T) {
	pool := testPool(4)
	r, err := NewRotator(pool, zap.NewNop())
	require.NoError(t, err)

	valid := make(map[string]bool, len(pool))
	for _, d := range pool {
		valid[d.URL()] = true
	}

	var wg sync.WaitGroup
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			d := r.Assign(w)
			assert.True(t, valid[d.URL()])
			r.Reassign(w, r.Rotate(d))
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 32, r.Stats().ActiveWorkers)
}
