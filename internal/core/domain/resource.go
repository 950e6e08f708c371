package domain

import "time"

// Resource is a named capacity pool tasks reserve before running.
type Resource struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Type              string  `json:"type"`
	TotalCapacity     float64 `json:"total_capacity"`
	AvailableCapacity float64 `json:"available_capacity"`

	// UtilizationHistory is advisory only; the allocator never consults it.
	UtilizationHistory []UtilizationSample `json:"utilization_history,omitempty"`
}

// UtilizationSample is one observed utilization reading.
type UtilizationSample struct {
	At      time.Time `json:"at"`
	Percent float64   `json:"percent"`
}

// Utilization returns the used fraction as a percentage, 0 for pools with no
// capacity.
func (r *Resource) Utilization() float64 {
	if r.TotalCapacity <= 0 {
		return 0
	}
	return (r.TotalCapacity - r.AvailableCapacity) / r.TotalCapacity * 100
}

// AllocationRecord links a task to the capacity it currently holds. At most
// one open record exists per task.
type AllocationRecord struct {
	ID          string             `json:"id"`
	TaskID      string             `json:"task_id"`
	Amounts     map[string]float64 `json:"amounts"`
	AllocatedAt time.Time          `json:"allocated_at"`
}
