package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/core/domain"
	"github.com/taskforge/taskforge/internal/core/port"
)

// AutomationConfig carries the facade-level knobs from the config document.
type AutomationConfig struct {
	DefaultPriority  domain.TaskPriority
	DefaultRetries   int
	ReportPath       string
	OptimizeInterval time.Duration
	MonitorInterval  time.Duration
	BlockedThreshold time.Duration

	// Currently no-op hooks, recognized so the config document round-trips.
	PredictiveScheduling bool
	ResourceOptimization bool
}

// CreateTaskRequest is the facade-level input for a new task.
type CreateTaskRequest struct {
	Name              string
	Description       string
	Command           string
	Priority          string
	Dependencies      []string
	EstimatedDuration time.Duration
	Resources         map[string]float64
	MaxRetries        int // -1 means use the configured default
	Tags              []string
	Metadata          map[string]string
}

// Automation is the public API over the scheduler, allocator and worker
// pool, and owns their lifecycles.
type Automation struct {
	cfg     AutomationConfig
	sched   port.TaskScheduler
	alloc   port.ResourceAllocator
	history port.ExecutionStore
	pool    *Pool
	log     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAutomation composes the engine facade.
func NewAutomation(
	cfg AutomationConfig,
	sched port.TaskScheduler,
	alloc port.ResourceAllocator,
	history port.ExecutionStore,
	pool *Pool,
	log *zap.Logger,
) *Automation {
	if cfg.DefaultPriority == "" {
		cfg.DefaultPriority = domain.TaskPriorityNormal
	}
	if cfg.BlockedThreshold <= 0 {
		cfg.BlockedThreshold = 5 * time.Minute
	}
	return &Automation{
		cfg:     cfg,
		sched:   sched,
		alloc:   alloc,
		history: history,
		pool:    pool,
		log:     log,
	}
}

// CreateTask builds a PENDING task with a generated id and enqueues it.
func (a *Automation) CreateTask(req CreateTaskRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", fmt.Errorf("create task: name is required")
	}

	priority := a.cfg.DefaultPriority
	if req.Priority != "" {
		p, err := domain.ParseTaskPriority(strings.ToUpper(req.Priority))
		if err != nil {
			return "", fmt.Errorf("create task: %w", err)
		}
		priority = p
	}

	retries := req.MaxRetries
	if retries < 0 {
		retries = a.cfg.DefaultRetries
	}

	task := &domain.Task{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		Description:          req.Description,
		Command:              req.Command,
		Priority:             priority,
		CreatedAt:            time.Now(),
		Dependencies:         req.Dependencies,
		EstimatedDuration:    req.EstimatedDuration,
		ResourceRequirements: req.Resources,
		MaxRetries:           retries,
		Tags:                 req.Tags,
		Metadata:             req.Metadata,
	}
	if err := a.sched.Enqueue(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// ScheduleTask delegates to the scheduler; false means the id is unknown.
// A zero time means "now".
func (a *Automation) ScheduleTask(id string, at time.Time) bool {
	if err := a.sched.Schedule(id, at); err != nil {
		a.log.Warn("Schedule request rejected", zap.String("task_id", id), zap.Error(err))
		return false
	}
	return true
}

// CancelTask marks a pending or scheduled task CANCELLED; false when the id
// is unknown or the task already ran too far.
func (a *Automation) CancelTask(id string) bool {
	if err := a.sched.Cancel(id); err != nil {
		a.log.Warn("Cancel request rejected", zap.String("task_id", id), zap.Error(err))
		return false
	}
	return true
}

// GetTask returns a copy of the task record.
func (a *Automation) GetTask(id string) (*domain.Task, bool) {
	return a.sched.Get(id)
}

// ResourceUtilization returns percent used per resource.
func (a *Automation) ResourceUtilization() map[string]float64 {
	return a.alloc.Utilization()
}

// ScheduleEfficiency is the fraction of completed attempts that finished
// within their recorded expectation, vacuously 1.0 with no completions yet.
func (a *Automation) ScheduleEfficiency(ctx context.Context) float64 {
	completed, onTime, err := a.history.OnTimeStats(ctx)
	if err != nil {
		a.log.Warn("Failed to compute schedule efficiency", zap.Error(err))
		return 1.0
	}
	if completed == 0 {
		return 1.0
	}
	return float64(onTime) / float64(completed)
}

// ExecutionHistory returns the most recent execution records.
func (a *Automation) ExecutionHistory(ctx context.Context, limit int) ([]*domain.ExecutionRecord, error) {
	return a.history.Recent(ctx, limit)
}

// Start launches the worker pool plus the optimization and monitoring
// loops. Stop with Stop.
func (a *Automation) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	a.pool.Start(runCtx)
	go a.backgroundLoops(runCtx)
}

// Stop cancels the loops and waits for workers to drain.
func (a *Automation) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.pool.Wait()
	<-a.done
	a.log.Info("Automation engine stopped")
}

// backgroundLoops runs the periodic optimization pass (blocked-task
// diagnostics plus the predictive hook) and the resource monitor.
func (a *Automation) backgroundLoops(ctx context.Context) {
	defer close(a.done)

	optimize := newLoopTicker(a.cfg.OptimizeInterval)
	monitor := newLoopTicker(a.cfg.MonitorInterval)
	defer optimize.Stop()
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-optimize.C:
			a.optimizePass()
		case <-monitor.C:
			a.alloc.Sample(time.Now())
		}
	}
}

// optimizePass surfaces tasks that look permanently blocked and gives the
// optional optimization hooks their slot.
func (a *Automation) optimizePass() {
	blocked := a.sched.Blocked(a.cfg.BlockedThreshold)
	for _, t := range blocked {
		a.log.Warn("Task blocked beyond threshold, dependencies unmet",
			zap.String("task_id", t.ID),
			zap.String("name", t.Name),
			zap.Strings("dependencies", t.Dependencies),
			zap.Time("created_at", t.CreatedAt))
	}

	if a.cfg.PredictiveScheduling {
		// Hook only; no predictive model is wired yet.
		a.log.Debug("Predictive scheduling pass (no-op)")
	}
	if a.cfg.ResourceOptimization {
		a.log.Debug("Resource optimization pass (no-op)")
	}
}

// Report renders a Markdown summary of utilization, efficiency and recent
// executions, writes it to the configured path and returns it.
func (a *Automation) Report(ctx context.Context) (string, error) {
	var b strings.Builder
	now := time.Now()

	fmt.Fprintf(&b, "# Automation Report\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", now.Format(time.RFC3339))

	fmt.Fprintf(&b, "## Resource Utilization\n\n")
	util := a.alloc.Utilization()
	if len(util) == 0 {
		fmt.Fprintf(&b, "No resources registered.\n\n")
	} else {
		names := make([]string, 0, len(util))
		for name := range util {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "| Resource | Utilization |\n|---|---|\n")
		for _, name := range names {
			fmt.Fprintf(&b, "| %s | %.1f%% |\n", name, util[name])
		}
		fmt.Fprintf(&b, "\n")
	}

	fmt.Fprintf(&b, "## Schedule Efficiency\n\n")
	fmt.Fprintf(&b, "%.1f%% of completed executions finished on time.\n\n",
		a.ScheduleEfficiency(ctx)*100)

	fmt.Fprintf(&b, "## Queue\n\n")
	fmt.Fprintf(&b, "Pending tasks: %d\n\n", a.sched.PendingCount())

	fmt.Fprintf(&b, "## Recent Executions\n\n")
	recs, err := a.history.Recent(ctx, 10)
	if err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintf(&b, "No executions recorded yet.\n")
	} else {
		fmt.Fprintf(&b, "| Task | Status | Started | Duration |\n|---|---|---|---|\n")
		for _, r := range recs {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				r.TaskName, r.Status,
				r.StartedAt.Format(time.RFC3339),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		}
	}

	report := b.String()
	if a.cfg.ReportPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.ReportPath), 0o755); err != nil {
			return "", fmt.Errorf("report: %w", err)
		}
		if err := os.WriteFile(a.cfg.ReportPath, []byte(report), 0o644); err != nil {
			return "", fmt.Errorf("report: %w", err)
		}
		a.log.Info("Wrote report", zap.String("path", a.cfg.ReportPath))
	}
	return report, nil
}

// newLoopTicker returns a ticker that never fires for a non-positive
// interval, so a disabled loop costs nothing.
func newLoopTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(interval)
}
