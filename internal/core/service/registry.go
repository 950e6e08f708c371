package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	monitoring "github.com/taskforge/taskforge/internal/adapter/monitoring/prometheus"
	"github.com/taskforge/taskforge/internal/core/domain"
)

// maxUtilizationHistory bounds the advisory per-resource sample log.
const maxUtilizationHistory = 1000

// Registry tracks capacity pools and the open allocation records held
// against them. One mutex covers both so reservations are atomic.
type Registry struct {
	mu        sync.Mutex
	resources map[string]*domain.Resource
	open      map[string]*domain.AllocationRecord // keyed by task id
	log       *zap.Logger
}

// NewRegistry creates an empty resource registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		resources: make(map[string]*domain.Resource),
		open:      make(map[string]*domain.AllocationRecord),
		log:       log,
	}
}

// Register adds or replaces a capacity pool under its name.
func (r *Registry) Register(res *domain.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	r.resources[res.Name] = res
	r.log.Info("Registered resource",
		zap.String("name", res.Name),
		zap.String("type", res.Type),
		zap.Float64("capacity", res.TotalCapacity))
}

// Allocate reserves every requirement of the task, or nothing at all. A task
// with no requirements succeeds without creating a record.
func (r *Registry) Allocate(task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(task.ResourceRequirements) == 0 {
		return nil
	}
	if _, exists := r.open[task.ID]; exists {
		return fmt.Errorf("task %s already holds an allocation", task.ID)
	}

	// 1. Check every requirement before touching any pool.
	for name, amount := range task.ResourceRequirements {
		res, ok := r.resources[name]
		if !ok {
			monitoring.RecordAllocationDenied(name)
			return fmt.Errorf("%w: %s", domain.ErrUnknownResource, name)
		}
		if res.AvailableCapacity < amount {
			monitoring.RecordAllocationDenied(name)
			return fmt.Errorf("%w: %s needs %.2f, %.2f available",
				domain.ErrInsufficientCapacity, name, amount, res.AvailableCapacity)
		}
	}

	// 2. All satisfiable: decrement and record.
	amounts := make(map[string]float64, len(task.ResourceRequirements))
	for name, amount := range task.ResourceRequirements {
		r.resources[name].AvailableCapacity -= amount
		amounts[name] = amount
	}
	r.open[task.ID] = &domain.AllocationRecord{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Amounts:     amounts,
		AllocatedAt: time.Now(),
	}

	r.log.Debug("Allocated resources", zap.String("task_id", task.ID), zap.Int("resources", len(amounts)))
	return nil
}

// Release restores the task's reservation. No open record is a no-op.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.open[taskID]
	if !ok {
		return
	}
	for name, amount := range rec.Amounts {
		res, ok := r.resources[name]
		if !ok {
			continue
		}
		res.AvailableCapacity += amount
		if res.AvailableCapacity > res.TotalCapacity {
			// Conservation invariant: never exceed the pool.
			res.AvailableCapacity = res.TotalCapacity
		}
	}
	delete(r.open, taskID)
	r.log.Debug("Released resources", zap.String("task_id", taskID))
}

// Utilization returns percent used per resource name.
func (r *Registry) Utilization() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.resources))
	for name, res := range r.resources {
		out[name] = res.Utilization()
	}
	return out
}

// Sample appends one utilization reading per resource and publishes it.
func (r *Registry) Sample(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, res := range r.resources {
		pct := res.Utilization()
		res.UtilizationHistory = append(res.UtilizationHistory, domain.UtilizationSample{At: now, Percent: pct})
		if len(res.UtilizationHistory) > maxUtilizationHistory {
			res.UtilizationHistory = res.UtilizationHistory[len(res.UtilizationHistory)-maxUtilizationHistory:]
		}
		monitoring.SetResourceUtilization(name, pct)
	}
}
