// Package port provides behavior interfaces that connect services, storage
// and the worker pool.
package port

import (
	"context"
	"time"

	"github.com/taskforge/taskforge/internal/core/domain"
)

// TaskScheduler defines the task store plus its selection policy.
type TaskScheduler interface {
	// Enqueue admits a task into the pending queue, ordered by priority
	// then creation time. It rejects dependency cycles.
	Enqueue(task *domain.Task) error

	// SelectNext returns the highest-priority runnable task, or nil when
	// every queued task is blocked or the queue is empty. The returned task
	// is a copy; the store's record moves to SCHEDULED.
	SelectNext() *domain.Task

	// Requeue puts a selected task back into the pending queue unchanged
	// (allocation denied or retry).
	Requeue(id string) error

	// Schedule moves a pending task into the scheduled map for the given
	// time. The time is advisory; a worker may pick the task up earlier.
	Schedule(id string, at time.Time) error

	// Cancel marks a pending or scheduled task CANCELLED. Running tasks are
	// not interrupted; their terminal write loses the version race instead.
	Cancel(id string) error

	// MarkRunning transitions a selected task to RUNNING and returns the
	// version a later terminal write must present.
	MarkRunning(id string) (uint64, error)

	// Complete records a successful attempt, guarded by version.
	Complete(id string, version uint64) error

	// Fail records a failed attempt, guarded by version. The task is
	// requeued while retries remain; requeued reports which path was taken.
	Fail(id string, version uint64) (requeued bool, err error)

	// Get returns a copy of the task wherever it currently lives.
	Get(id string) (*domain.Task, bool)

	// Blocked lists tasks sitting PENDING longer than olderThan with unmet
	// dependencies, the diagnostic for permanently stuck work.
	Blocked(olderThan time.Duration) []*domain.Task

	// PendingCount returns the current queue depth.
	PendingCount() int
}

// ResourceAllocator reserves and releases capacity on behalf of tasks.
type ResourceAllocator interface {
	Register(res *domain.Resource)

	// Allocate reserves every requirement of the task or nothing at all.
	Allocate(task *domain.Task) error

	// Release returns the task's open reservation to the pools. Releasing a
	// task with no open record is a no-op.
	Release(taskID string)

	// Utilization returns percent used per resource name.
	Utilization() map[string]float64

	// Sample appends a utilization reading to each resource's history.
	Sample(now time.Time)
}

// StateStore persists the scheduler snapshot.
type StateStore interface {
	Save(snap *domain.SchedulerSnapshot) error
	// Load must tolerate a missing or corrupt snapshot by returning an
	// empty one; it never fails the process start.
	Load() (*domain.SchedulerSnapshot, error)
}

// ExecutionStore is the append-only execution history.
type ExecutionStore interface {
	Append(ctx context.Context, rec *domain.ExecutionRecord) error
	Recent(ctx context.Context, limit int) ([]*domain.ExecutionRecord, error)
	// OnTimeStats returns the completed attempt count and how many of those
	// finished within their recorded expectation.
	OnTimeStats(ctx context.Context) (completed, onTime int, err error)
	Close() error
}

// PayloadRunner executes the opaque task command.
type PayloadRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}
