package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	monitoring "github.com/taskforge/taskforge/internal/adapter/monitoring/prometheus"
	"github.com/taskforge/taskforge/internal/core/domain"
	"github.com/taskforge/taskforge/internal/core/port"
)

// PoolConfig sizes and paces the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// Pool runs a fixed set of workers, each looping: select a runnable task,
// reserve its resources, run the payload, settle the outcome. Denied
// allocations are requeued without penalty; failures retry up to the task's
// max_retries.
type Pool struct {
	cfg     PoolConfig
	sched   port.TaskScheduler
	alloc   port.ResourceAllocator
	runner  port.PayloadRunner
	history port.ExecutionStore
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewPool wires a worker pool over the scheduler and allocator.
func NewPool(
	cfg PoolConfig,
	sched port.TaskScheduler,
	alloc port.ResourceAllocator,
	runner port.PayloadRunner,
	history port.ExecutionStore,
	log *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool{
		cfg:     cfg,
		sched:   sched,
		alloc:   alloc,
		runner:  runner,
		history: history,
		log:     log,
	}
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until all of them have drained.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Starting worker pool",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval))

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("worker", idx))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker stopping")
			return
		case <-ticker.C:
			// Drain runnable work before going back to sleep.
			for p.runOnce(ctx, log) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// runOnce executes at most one task attempt and reports whether the worker
// should immediately look for more work. Split out from the loop so the whole
// attempt path is testable without timers.
func (p *Pool) runOnce(ctx context.Context, log *zap.Logger) bool {
	task := p.sched.SelectNext()
	if task == nil {
		return false
	}

	// 1. Reserve resources; denial is not an error, just put it back. The
	// requeued task sits at the head of the queue again, so retrying before
	// the next poll tick would spin on the same denial.
	if err := p.alloc.Allocate(task); err != nil {
		log.Debug("Allocation denied, requeueing task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		if rqErr := p.sched.Requeue(task.ID); rqErr != nil {
			log.Error("Failed to requeue after allocation denial",
				zap.String("task_id", task.ID), zap.Error(rqErr))
		}
		return false
	}

	// 2. Transition to RUNNING; a cancel that landed between selection and
	// here releases the reservation and walks away.
	version, err := p.sched.MarkRunning(task.ID)
	if err != nil {
		p.alloc.Release(task.ID)
		if errors.Is(err, domain.ErrStaleStatus) {
			log.Info("Task cancelled before start", zap.String("task_id", task.ID))
			monitoring.RecordTaskFinished(string(domain.TaskStatusCancelled))
			return true
		}
		log.Error("Failed to mark task running", zap.String("task_id", task.ID), zap.Error(err))
		return true
	}

	p.execute(ctx, task, version, log)
	return true
}

// execute runs the opaque payload and settles the attempt: release the
// reservation, record the attempt, and apply the retry policy.
func (p *Pool) execute(ctx context.Context, task *domain.Task, version uint64, log *zap.Logger) {
	started := time.Now()
	log.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("name", task.Name))

	runCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	output, runErr := p.runner.Run(runCtx, task.Command)
	finished := time.Now()

	rec := &domain.ExecutionRecord{
		TaskID:     task.ID,
		TaskName:   task.Name,
		StartedAt:  started,
		FinishedAt: finished,
		Output:     output,
	}
	if !task.ScheduledAt.IsZero() && task.EstimatedDuration > 0 {
		rec.Deadline = task.ScheduledAt.Add(task.EstimatedDuration)
	}

	if runErr == nil {
		if err := p.sched.Complete(task.ID, version); err != nil {
			// Cancelled while running: the cancel wins, the result is dropped.
			rec.Status = domain.TaskStatusCancelled
			rec.Error = "completed after cancellation, result discarded"
			log.Warn("Late completion rejected", zap.String("task_id", task.ID), zap.Error(err))
		} else {
			rec.Status = domain.TaskStatusCompleted
			log.Info("Task completed",
				zap.String("task_id", task.ID),
				zap.Duration("took", finished.Sub(started)))
		}
	} else {
		rec.Error = runErr.Error()
		if errors.Is(runErr, domain.ErrPayloadTimeout) {
			log.Warn("Task payload timed out",
				zap.String("task_id", task.ID),
				zap.Duration("timeout", p.cfg.TaskTimeout))
		}
		requeued, err := p.sched.Fail(task.ID, version)
		switch {
		case err != nil:
			rec.Status = domain.TaskStatusCancelled
			rec.Error = rec.Error + "; cancelled during execution"
			log.Warn("Late failure rejected", zap.String("task_id", task.ID), zap.Error(err))
		case requeued:
			rec.Status = domain.TaskStatusFailed
			monitoring.RecordRetry()
			log.Info("Task failed, retry queued",
				zap.String("task_id", task.ID),
				zap.Error(runErr))
		default:
			rec.Status = domain.TaskStatusFailed
			log.Error("Task failed permanently",
				zap.String("task_id", task.ID),
				zap.Error(runErr))
		}
	}

	// 3. Always give the capacity back and append history. Fresh context so
	// a shutdown mid-run still records the attempt.
	p.alloc.Release(task.ID)
	monitoring.RecordTaskFinished(string(rec.Status))
	if err := p.history.Append(context.Background(), rec); err != nil {
		log.Warn("Failed to append execution record",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}
