package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	monitoring "github.com/taskforge/taskforge/internal/adapter/monitoring/prometheus"
	"github.com/taskforge/taskforge/internal/core/domain"
	"github.com/taskforge/taskforge/internal/core/service"
)

func newCreateCommand() *cobra.Command {
	var (
		name        string
		command     string
		description string
		priority    string
		depends     []string
		duration    time.Duration
		resources   map[string]string
		retries     int
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and enqueue it",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			reqs, err := parseResourceAmounts(resources)
			if err != nil {
				return err
			}

			id, err := eng.auto.CreateTask(service.CreateTaskRequest{
				Name:              name,
				Description:       description,
				Command:           command,
				Priority:          priority,
				Dependencies:      depends,
				EstimatedDuration: duration,
				Resources:         reqs,
				MaxRetries:        retries,
				Tags:              tags,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Task name (required)")
	cmd.Flags().StringVar(&command, "command", "", "Opaque command payload")
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, NORMAL, HIGH or CRITICAL (default from config)")
	cmd.Flags().StringSliceVar(&depends, "depends", nil, "Task ids that must finish first")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Estimated duration, advisory only")
	cmd.Flags().StringToStringVar(&resources, "resource", nil, "Resource requirement, e.g. --resource cpu=2")
	cmd.Flags().IntVar(&retries, "retries", -1, "Max retries (-1 uses the configured default)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Free-form tags")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task_id]",
		Short: "Show one task, or the aggregate engine status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			if len(args) == 1 {
				task, ok := eng.auto.GetTask(args[0])
				if !ok {
					return fmt.Errorf("unknown task id %s", args[0])
				}
				printTask(task)
				return nil
			}

			util := eng.auto.ResourceUtilization()
			names := make([]string, 0, len(util))
			for n := range util {
				names = append(names, n)
			}
			sort.Strings(names)
			fmt.Println("Resource utilization:")
			for _, n := range names {
				fmt.Printf("  %-12s %.1f%%\n", n, util[n])
			}
			fmt.Printf("Schedule efficiency: %.1f%%\n", eng.auto.ScheduleEfficiency(cmd.Context())*100)

			recs, err := eng.auto.ExecutionHistory(cmd.Context(), 10)
			if err != nil {
				return err
			}
			fmt.Printf("Recent executions (%d):\n", len(recs))
			for _, r := range recs {
				fmt.Printf("  %-30s %-10s %s\n", r.TaskName, r.Status,
					r.FinishedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Write the Markdown report and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.close()

			report, err := eng.auto.Report(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(report)
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(rootCtx)
			if err != nil {
				return err
			}
			defer eng.close()

			if addr := eng.cfg.Metrics.Addr; addr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", monitoring.Handler())
					if err := http.ListenAndServe(addr, mux); err != nil {
						eng.log.Warn("Metrics listener stopped", zap.Error(err))
					}
				}()
				eng.log.Info("Serving metrics", zap.String("addr", addr))
			}

			eng.auto.Start(rootCtx)
			eng.log.Info("Engine running",
				zap.Int("workers", eng.cfg.Scheduler.MaxConcurrentTasks))

			<-rootCtx.Done()
			eng.log.Info("Shutting down...")
			eng.auto.Stop()
			eng.log.Info("Shutdown complete")
			return nil
		},
	}
}

func printTask(t *domain.Task) {
	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Name:        %s\n", t.Name)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
	if !t.ScheduledAt.IsZero() {
		fmt.Printf("Scheduled:   %s\n", t.ScheduledAt.Format(time.RFC3339))
	}
	if !t.StartedAt.IsZero() {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format(time.RFC3339))
	}
	if !t.CompletedAt.IsZero() {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if len(t.Dependencies) > 0 {
		fmt.Printf("Depends on:  %v\n", t.Dependencies)
	}
	if t.MaxRetries > 0 || t.RetryCount > 0 {
		fmt.Printf("Retries:     %d/%d\n", t.RetryCount, t.MaxRetries)
	}
}

func parseResourceAmounts(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("resource %s: invalid amount %q", name, v)
		}
		out[name] = amount
	}
	return out, nil
}
