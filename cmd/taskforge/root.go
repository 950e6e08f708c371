package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/config/logger"
	sqlitecfg "github.com/taskforge/taskforge/config/storage/sqlite"
	config "github.com/taskforge/taskforge/config/utils"
	"github.com/taskforge/taskforge/internal/adapter/executor/shell"
	"github.com/taskforge/taskforge/internal/adapter/storage/snapshot"
	sqlitestore "github.com/taskforge/taskforge/internal/adapter/storage/sqlite"
	"github.com/taskforge/taskforge/internal/core/domain"
	"github.com/taskforge/taskforge/internal/core/port"
	"github.com/taskforge/taskforge/internal/core/service"
)

var configPath string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskforge",
		Short: "taskforge - priority and dependency aware task execution engine",
		Long: `taskforge schedules named command payloads against capacity-bounded
resources, runs them on a fixed worker pool with retry semantics, and keeps
its queue in a local snapshot plus an embedded execution history.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // main handles errors for proper exit codes
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config document (default: ./config.json)")

	cmd.AddCommand(newCreateCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newReportCommand())
	cmd.AddCommand(newRunCommand())
	return cmd
}

// engine bundles the wired facade with everything the commands need to shut
// it down again.
type engine struct {
	cfg     *config.AppConfig
	auto    *service.Automation
	history port.ExecutionStore
	log     *zap.Logger
}

func (e *engine) close() {
	if err := e.history.Close(); err != nil {
		e.log.Warn("Failed to close history store", zap.Error(err))
	}
	_ = e.log.Sync()
}

// buildEngine wires config, logger, stores, scheduler, allocator and the
// worker pool into the automation facade.
func buildEngine(ctx context.Context) (*engine, error) {
	appConfig, err := config.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.Build(appConfig.Logger)

	// History database
	db, err := sqlitecfg.New(ctx, appConfig.Storage.HistoryPath, log.Named("DB"))
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	history := sqlitestore.NewExecutionStore(db, log.Named("History"))

	// Task store restored from the local snapshot
	state := snapshot.NewStore(appConfig.Storage.StatePath, log.Named("Snapshot"))
	sched := service.NewScheduler(state, log.Named("Scheduler"))

	// Resource registry seeded from the config document
	registry := service.NewRegistry(log.Named("Registry"))
	for _, r := range appConfig.Resources {
		registry.Register(&domain.Resource{
			Name:              r.Name,
			Type:              r.Type,
			TotalCapacity:     r.Capacity,
			AvailableCapacity: r.Capacity,
		})
	}

	pool := service.NewPool(
		service.PoolConfig{
			Workers:      appConfig.Scheduler.MaxConcurrentTasks,
			PollInterval: appConfig.Scheduler.PollInterval(),
			TaskTimeout:  appConfig.Scheduler.TaskTimeout(),
		},
		sched,
		registry,
		shell.NewRunner(log.Named("Runner")),
		history,
		log.Named("Worker"),
	)

	defaultPriority, err := domain.ParseTaskPriority(appConfig.Scheduler.DefaultPriority)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	auto := service.NewAutomation(
		service.AutomationConfig{
			DefaultPriority:      defaultPriority,
			DefaultRetries:       appConfig.Scheduler.RetryAttempts,
			ReportPath:           appConfig.Storage.ReportPath,
			OptimizeInterval:     appConfig.Scheduler.OptimizeInterval(),
			MonitorInterval:      appConfig.Scheduler.MonitorInterval(),
			BlockedThreshold:     appConfig.Scheduler.BlockedThreshold(),
			PredictiveScheduling: appConfig.Scheduler.EnablePredictiveScheduling,
			ResourceOptimization: appConfig.Scheduler.EnableResourceOptimization,
		},
		sched,
		registry,
		history,
		pool,
		log.Named("Automation"),
	)

	return &engine{
		cfg:     appConfig,
		auto:    auto,
		history: history,
		log:     log,
	}, nil
}
