package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/core/domain"
)

func newTestRegistry(t *testing.T, caps map[string]float64) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop())
	for name, c := range caps {
		r.Register(&domain.Resource{Name: name, Type: "test", TotalCapacity: c, AvailableCapacity: c})
	}
	return r
}

func reqTask(id string, reqs map[string]float64) *domain.Task {
	return &domain.Task{ID: id, ResourceRequirements: reqs}
}

func TestAllocateAllOrNothing(t *testing.T) {
	r := newTestRegistry(t, map[string]float64{"cpu": 10, "memory": 0})

	err := r.Allocate(reqTask("t1", map[string]float64{"cpu": 5, "memory": 100}))
	require.ErrorIs(t, err, domain.ErrInsufficientCapacity)

	// The satisfiable half must be untouched.
	util := r.Utilization()
	assert.Zero(t, util["cpu"])
}

func TestAllocateUnknownResource(t *testing.T) {
	r := newTestRegistry(t, map[string]float64{"cpu": 10})

	err := r.Allocate(reqTask("t1", map[string]float64{"cpu": 1, "gpu": 1}))
	require.ErrorIs(t, err, domain.ErrUnknownResource)
	assert.Zero(t, r.Utilization()["cpu"])
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	r := newTestRegistry(t, map[string]float64{"cpu": 10})

	require.NoError(t, r.Allocate(reqTask("t1", map[string]float64{"cpu": 10})))
	assert.InDelta(t, 100.0, r.Utilization()["cpu"], 0.001)

	// Second task cannot fit until the first releases.
	err := r.Allocate(reqTask("t2", map[string]float64{"cpu": 1}))
	require.ErrorIs(t, err, domain.ErrInsufficientCapacity)

	r.Release("t1")
	assert.Zero(t, r.Utilization()["cpu"])
	require.NoError(t, r.Allocate(reqTask("t2", map[string]float64{"cpu": 1})))
}

func TestReleaseWithoutAllocationIsNoop(t *testing.T) {
	r := newTestRegistry(t, map[string]float64{"cpu": 10})
	r.Release("never-allocated")
	assert.Zero(t, r.Utilization()["cpu"])
}

func TestDoubleAllocateRejected(t *testing.T) {
	r := newTestRegistry(t, map[string]float64{"cpu": 10})
	task := reqTask("t1", map[string]float64{"cpu": 1})

	require.NoError(t, r.Allocate(task))
	assert.Error(t, r.Allocate(task), "at most one open allocation per task")
}

func TestEmptyRequirementsAlwaysAllocate(t *testing.T) {
	r := newTestRegistry(t, nil)
	require.NoError(t, r.Allocate(reqTask("t1", nil)))
	r.Release("t1")
}

func TestConservationUnderConcurrency(t *testing.T) {
	r := newTestRegistry(t, map[string]float64{"cpu": 4})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			task := reqTask(id, map[string]float64{"cpu": 1})
			for j := 0; j < 50; j++ {
				if r.Allocate(task) == nil {
					util := r.Utilization()["cpu"]
					assert.GreaterOrEqual(t, util, 0.0)
					assert.LessOrEqual(t, util, 100.0)
					r.Release(id)
				}
			}
		}(i)
	}
	wg.Wait()

	// Everything released: fully available again.
	assert.Zero(t, r.Utilization()["cpu"])
}

func TestSampleAppendsHistory(t *testing.T) {
	r := newTestRegistry(t, map[string]float64{"cpu": 10})
	require.NoError(t, r.Allocate(reqTask("t1", map[string]float64{"cpu": 5})))

	r.Sample(time.Now())

	r.mu.Lock()
	res := r.resources["cpu"]
	require.Len(t, res.UtilizationHistory, 1)
	assert.InDelta(t, 50.0, res.UtilizationHistory[0].Percent, 0.001)
	r.mu.Unlock()
}
