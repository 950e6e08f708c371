package domain

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusScheduled TaskStatus = "SCHEDULED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// taskTransitions is the closed set of legal status moves. Cancelling a
// RUNNING task is state-only: the payload is not interrupted, but the
// version guard rejects its late terminal write.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:   {TaskStatusScheduled, TaskStatusCancelled},
	TaskStatusScheduled: {TaskStatusRunning, TaskStatusPending, TaskStatusCancelled},
	TaskStatusRunning:   {TaskStatusCompleted, TaskStatusFailed, TaskStatusPending, TaskStatusCancelled},
}

// Terminal reports whether no further transition can occur from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
// SCHEDULED -> PENDING and RUNNING -> PENDING are the requeue paths
// (allocation denied, retry after failure).
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ParseTaskStatus validates the textual form used in snapshots and the CLI.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	switch s := TaskStatus(raw); s {
	case TaskStatusPending, TaskStatusScheduled, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown task status %q", raw)
}

type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "LOW"
	TaskPriorityNormal   TaskPriority = "NORMAL"
	TaskPriorityHigh     TaskPriority = "HIGH"
	TaskPriorityCritical TaskPriority = "CRITICAL"
)

var priorityWeight = map[TaskPriority]int{
	TaskPriorityLow:      0,
	TaskPriorityNormal:   1,
	TaskPriorityHigh:     2,
	TaskPriorityCritical: 3,
}

// Weight returns the ordering rank of the priority, LOW < NORMAL < HIGH < CRITICAL.
func (p TaskPriority) Weight() int {
	return priorityWeight[p]
}

// ParseTaskPriority validates the textual form used in config and the CLI.
func ParseTaskPriority(raw string) (TaskPriority, error) {
	switch p := TaskPriority(raw); p {
	case TaskPriorityLow, TaskPriorityNormal, TaskPriorityHigh, TaskPriorityCritical:
		return p, nil
	}
	return "", fmt.Errorf("unknown task priority %q", raw)
}

// Task represents a unit of schedulable work. The scheduler never inspects
// Command; it is handed opaque to the payload runner.
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Command     string       `json:"command"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`

	// Version is bumped on every status change. Terminal writes carry the
	// version they observed so a cancel issued mid-run is never overwritten
	// by a late completion.
	Version uint64 `json:"version"`

	CreatedAt   time.Time `json:"created_at"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	Dependencies         []string           `json:"dependencies,omitempty"`
	EstimatedDuration    time.Duration      `json:"estimated_duration,omitempty"`
	ResourceRequirements map[string]float64 `json:"resource_requirements,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Before orders tasks for selection: higher priority first, then FIFO by
// creation time among equals.
func (t *Task) Before(other *Task) bool {
	if t.Priority.Weight() != other.Priority.Weight() {
		return t.Priority.Weight() > other.Priority.Weight()
	}
	return t.CreatedAt.Before(other.CreatedAt)
}

// Clone returns a copy safe to hand to a worker while the scheduler keeps
// mutating its own record.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.ResourceRequirements != nil {
		c.ResourceRequirements = make(map[string]float64, len(t.ResourceRequirements))
		for k, v := range t.ResourceRequirements {
			c.ResourceRequirements[k] = v
		}
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
