package domain

import "time"

// ExecutionRecord is an immutable history entry for one task attempt. It is
// used for reporting and efficiency only, never for scheduling decisions.
type ExecutionRecord struct {
	TaskID   string     `json:"task_id"`
	TaskName string     `json:"task_name"`
	Status   TaskStatus `json:"status"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Deadline is the expectation recorded at completion time:
	// scheduled_at + estimated_duration. Zero means no estimate, which
	// counts as on time for efficiency purposes.
	Deadline time.Time `json:"deadline,omitzero"`

	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OnTime reports whether the attempt finished within its expectation.
func (r *ExecutionRecord) OnTime() bool {
	return r.Deadline.IsZero() || !r.FinishedAt.After(r.Deadline)
}

// SchedulerSnapshot is the persisted form of the task store: the ordered
// pending queue plus the scheduled map.
type SchedulerSnapshot struct {
	Pending   []*Task          `json:"pending"`
	Scheduled map[string]*Task `json:"scheduled"`
	SavedAt   time.Time        `json:"saved_at"`
}
