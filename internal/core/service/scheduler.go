package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	monitoring "github.com/taskforge/taskforge/internal/adapter/monitoring/prometheus"
	"github.com/taskforge/taskforge/internal/core/domain"
	"github.com/taskforge/taskforge/internal/core/port"
)

// Scheduler owns the pending priority queue and the scheduled map. All
// mutation happens under one mutex; the shared structures are never handed
// out, only clones. Every mutating call ends with a snapshot save.
type Scheduler struct {
	mu        sync.Mutex
	pending   []*domain.Task
	scheduled map[string]*domain.Task
	// picked marks scheduled-map entries currently held by a worker so two
	// workers never grab the same task.
	picked map[string]struct{}

	state port.StateStore
	log   *zap.Logger
}

// NewScheduler restores the task store from the snapshot and returns a ready
// scheduler. A missing or corrupt snapshot starts empty; it never fails.
func NewScheduler(state port.StateStore, log *zap.Logger) *Scheduler {
	s := &Scheduler{
		scheduled: make(map[string]*domain.Task),
		picked:    make(map[string]struct{}),
		state:     state,
		log:       log,
	}

	snap, err := state.Load()
	if err != nil {
		// Load degrades to empty rather than failing, but guard anyway.
		monitoring.RecordSnapshotError("load")
		log.Warn("Starting with empty task store", zap.Error(err))
		return s
	}
	s.pending = snap.Pending
	if snap.Scheduled != nil {
		s.scheduled = snap.Scheduled
	}

	// A task persisted as RUNNING died with the process mid-payload. Its
	// worker is gone, so it would otherwise hang unselectable forever; put it
	// back in the queue for another attempt, without a retry penalty since no
	// failure was ever recorded.
	for id, t := range s.scheduled {
		if t.Status != domain.TaskStatusRunning {
			continue
		}
		t.Status = domain.TaskStatusPending
		t.Version++
		delete(s.scheduled, id)
		s.pending = append(s.pending, t)
		log.Warn("Requeued task interrupted by restart", zap.String("task_id", id))
	}
	s.sortPending()
	if len(s.pending) > 0 || len(s.scheduled) > 0 {
		log.Info("Restored task store from snapshot",
			zap.Int("pending", len(s.pending)),
			zap.Int("scheduled", len(s.scheduled)))
	}
	monitoring.SetQueueDepth(len(s.pending))
	return s
}

// Enqueue admits a task into the pending queue as PENDING. Admitting a task
// whose dependency edges would close a cycle is rejected outright rather
// than discovered as a hang at runtime.
func (s *Scheduler) Enqueue(task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("enqueue: task has no id")
	}
	if _, dup := s.lookup(task.ID); dup {
		return fmt.Errorf("enqueue: task %s already exists", task.ID)
	}
	if err := s.checkCycle(task); err != nil {
		return err
	}

	task.Status = domain.TaskStatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	s.insertPending(task)
	s.log.Info("Enqueued task",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name),
		zap.String("priority", string(task.Priority)))
	s.persist()
	return nil
}

// SelectNext scans for the highest-priority task whose every dependency is
// terminal. Blocked tasks keep their queue position untouched. The winner
// moves into the scheduled map as SCHEDULED and a copy is returned; nil
// means nothing is runnable right now.
//
// The scan is O(n) on purpose: never skipping a runnable higher-priority
// task matters more than amortized cost at this scale.
func (s *Scheduler) SelectNext() *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Task
	fromQueue := -1

	for i, t := range s.pending {
		if !s.depsTerminal(t) {
			continue
		}
		if best == nil || t.Before(best) {
			best = t
			fromQueue = i
		}
		// pending is sorted, so the first runnable entry wins.
		break
	}

	// Explicitly scheduled tasks wait in the map rather than the queue; a
	// worker may pick them up regardless of their advisory time.
	for _, t := range s.scheduled {
		if t.Status != domain.TaskStatusScheduled {
			continue
		}
		if _, held := s.picked[t.ID]; held {
			continue
		}
		if !s.depsTerminal(t) {
			continue
		}
		if best == nil || t.Before(best) {
			best = t
			fromQueue = -1
		}
	}

	if best == nil {
		return nil
	}

	if fromQueue >= 0 {
		s.removePending(fromQueue)
		best.Status = domain.TaskStatusScheduled
		best.Version++
		if best.ScheduledAt.IsZero() {
			best.ScheduledAt = time.Now()
		}
		s.scheduled[best.ID] = best
	}
	s.picked[best.ID] = struct{}{}
	s.persist()
	return best.Clone()
}

// Requeue returns a selected task to the pending queue unchanged, the
// no-penalty path taken when allocation is denied.
func (s *Scheduler) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.scheduled[id]
	if !ok {
		return fmt.Errorf("requeue %s: %w", id, domain.ErrTaskNotFound)
	}
	if !t.Status.CanTransition(domain.TaskStatusPending) {
		return fmt.Errorf("requeue %s from %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = domain.TaskStatusPending
	t.Version++
	delete(s.scheduled, id)
	delete(s.picked, id)
	s.insertPending(t)
	s.persist()
	return nil
}

// Schedule moves a pending task into the scheduled map for the given time,
// or updates the advisory time of an already scheduled one. The time is not
// enforced as a gate.
func (s *Scheduler) Schedule(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at.IsZero() {
		at = time.Now()
	}

	for i, t := range s.pending {
		if t.ID != id {
			continue
		}
		s.removePending(i)
		t.Status = domain.TaskStatusScheduled
		t.Version++
		t.ScheduledAt = at
		s.scheduled[id] = t
		s.log.Info("Scheduled task", zap.String("task_id", id), zap.Time("at", at))
		s.persist()
		return nil
	}

	if t, ok := s.scheduled[id]; ok {
		if t.Status != domain.TaskStatusScheduled {
			return fmt.Errorf("schedule %s in status %s: %w", id, t.Status, domain.ErrInvalidTransition)
		}
		t.ScheduledAt = at
		s.persist()
		return nil
	}
	return fmt.Errorf("schedule %s: %w", id, domain.ErrTaskNotFound)
}

// Cancel marks a pending or scheduled task CANCELLED. A running task cannot
// be interrupted; its terminal write is rejected by the version guard
// instead, so the cancel is never silently overwritten.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.pending {
		if t.ID != id {
			continue
		}
		s.removePending(i)
		t.Status = domain.TaskStatusCancelled
		t.Version++
		t.CompletedAt = time.Now()
		s.scheduled[id] = t
		s.log.Info("Cancelled pending task", zap.String("task_id", id))
		s.persist()
		return nil
	}

	t, ok := s.scheduled[id]
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, domain.ErrTaskNotFound)
	}
	if !t.Status.CanTransition(domain.TaskStatusCancelled) {
		return fmt.Errorf("cancel %s in status %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = domain.TaskStatusCancelled
	t.Version++
	t.CompletedAt = time.Now()
	delete(s.picked, id)
	s.log.Info("Cancelled scheduled task", zap.String("task_id", id))
	s.persist()
	return nil
}

// MarkRunning transitions a selected task to RUNNING and returns the version
// its terminal write must present. ErrStaleStatus means the task was
// cancelled between selection and start.
func (s *Scheduler) MarkRunning(id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.scheduled[id]
	if !ok {
		return 0, fmt.Errorf("mark running %s: %w", id, domain.ErrTaskNotFound)
	}
	if t.Status == domain.TaskStatusCancelled {
		return 0, fmt.Errorf("mark running %s: %w", id, domain.ErrStaleStatus)
	}
	if !t.Status.CanTransition(domain.TaskStatusRunning) {
		return 0, fmt.Errorf("mark running %s from %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = domain.TaskStatusRunning
	t.Version++
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	s.persist()
	return t.Version, nil
}

// Complete records a successful attempt. The write only applies if version
// still matches; a cancel in the interim wins the race.
func (s *Scheduler) Complete(id string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.terminalTarget(id, version)
	if err != nil {
		return err
	}
	t.Status = domain.TaskStatusCompleted
	t.Version++
	t.CompletedAt = time.Now()
	delete(s.picked, id)
	s.persist()
	return nil
}

// Fail records a failed attempt under the same version guard. While retries
// remain the task goes back to PENDING for another attempt; otherwise it is
// terminal FAILED.
func (s *Scheduler) Fail(id string, version uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.terminalTarget(id, version)
	if err != nil {
		return false, err
	}

	t.RetryCount++
	if t.RetryCount <= t.MaxRetries {
		t.Status = domain.TaskStatusPending
		t.Version++
		delete(s.scheduled, id)
		delete(s.picked, id)
		s.insertPending(t)
		s.log.Info("Requeued failed task",
			zap.String("task_id", id),
			zap.Int("retry", t.RetryCount),
			zap.Int("max_retries", t.MaxRetries))
		s.persist()
		return true, nil
	}

	t.Status = domain.TaskStatusFailed
	t.Version++
	t.CompletedAt = time.Now()
	delete(s.picked, id)
	s.log.Warn("Task failed permanently",
		zap.String("task_id", id),
		zap.Int("attempts", t.RetryCount))
	s.persist()
	return false, nil
}

// Get returns a copy of the task wherever it currently lives.
func (s *Scheduler) Get(id string) (*domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Blocked lists tasks sitting PENDING longer than olderThan whose
// dependencies are still unmet, the diagnostic for permanently stuck work.
func (s *Scheduler) Blocked(olderThan time.Duration) []*domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var out []*domain.Task
	for _, t := range s.pending {
		if t.CreatedAt.After(cutoff) {
			continue
		}
		if s.depsTerminal(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// PendingCount returns the current queue depth.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// depsTerminal reports whether every dependency of t has reached a terminal
// state. Unknown dependency ids count as unmet.
func (s *Scheduler) depsTerminal(t *domain.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.scheduled[dep]
		if !ok || !d.Status.Terminal() {
			return false
		}
	}
	return true
}

// checkCycle walks the dependency graph from the new task's edges; reaching
// the task itself means admission would close a cycle.
func (s *Scheduler) checkCycle(task *domain.Task) error {
	seen := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == task.ID {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		dep, ok := s.lookup(id)
		if !ok {
			return false
		}
		for _, next := range dep.Dependencies {
			if walk(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range task.Dependencies {
		if dep == task.ID || walk(dep) {
			return fmt.Errorf("task %s: %w", task.ID, domain.ErrDependencyCycle)
		}
	}
	return nil
}

func (s *Scheduler) lookup(id string) (*domain.Task, bool) {
	if t, ok := s.scheduled[id]; ok {
		return t, true
	}
	for _, t := range s.pending {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

func (s *Scheduler) insertPending(t *domain.Task) {
	s.pending = append(s.pending, t)
	s.sortPending()
}

func (s *Scheduler) sortPending() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].Before(s.pending[j])
	})
}

func (s *Scheduler) removePending(i int) {
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
}

// terminalTarget resolves the task for a version-guarded terminal write.
func (s *Scheduler) terminalTarget(id string, version uint64) (*domain.Task, error) {
	t, ok := s.scheduled[id]
	if !ok {
		return nil, fmt.Errorf("finish %s: %w", id, domain.ErrTaskNotFound)
	}
	if t.Version != version {
		return nil, fmt.Errorf("finish %s at version %d (now %d): %w",
			id, version, t.Version, domain.ErrStaleStatus)
	}
	if t.Status != domain.TaskStatusRunning {
		return nil, fmt.Errorf("finish %s in status %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}
	return t, nil
}

// persist serializes the full queue and scheduled map. Failures degrade to
// an unsaved state: logged and counted, never fatal.
func (s *Scheduler) persist() {
	monitoring.SetQueueDepth(len(s.pending))
	snap := &domain.SchedulerSnapshot{
		Pending:   s.pending,
		Scheduled: s.scheduled,
		SavedAt:   time.Now(),
	}
	if err := s.state.Save(snap); err != nil {
		monitoring.RecordSnapshotError("save")
		s.log.Warn("Failed to persist task store", zap.Error(err))
	}
}
