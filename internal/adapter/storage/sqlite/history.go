// Package sqlite implements the execution history store over the embedded
// database.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	db "github.com/taskforge/taskforge/config/storage/sqlite"
	"github.com/taskforge/taskforge/internal/core/domain"
)

// maxCapturedOutput bounds what one attempt may leave in the history table.
const maxCapturedOutput = 4096

type executionStore struct {
	db  *db.DB
	log *zap.Logger
}

// NewExecutionStore creates the history store over an opened database.
func NewExecutionStore(database *db.DB, log *zap.Logger) *executionStore {
	return &executionStore{db: database, log: log}
}

// Append writes one immutable attempt record.
func (s *executionStore) Append(ctx context.Context, rec *domain.ExecutionRecord) error {
	deadline := int64(0)
	if !rec.Deadline.IsZero() {
		deadline = rec.Deadline.UnixNano()
	}

	query, args, err := s.db.QueryBuilder.
		Insert("executions").
		Columns("task_id", "task_name", "status", "started_at", "finished_at", "deadline", "output", "error").
		Values(
			rec.TaskID,
			rec.TaskName,
			string(rec.Status),
			rec.StartedAt.UnixNano(),
			rec.FinishedAt.UnixNano(),
			deadline,
			truncate(rec.Output, maxCapturedOutput),
			truncate(rec.Error, maxCapturedOutput),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build execution insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.log.Error("Failed to append execution record",
			zap.String("task_id", rec.TaskID), zap.Error(err))
		return err
	}
	return nil
}

// Recent returns the latest records, newest first.
func (s *executionStore) Recent(ctx context.Context, limit int) ([]*domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query, args, err := s.db.QueryBuilder.
		Select("task_id", "task_name", "status", "started_at", "finished_at", "deadline", "output", "error").
		From("executions").
		OrderBy("finished_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build execution select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.ExecutionRecord
	for rows.Next() {
		var (
			r                             domain.ExecutionRecord
			status                        string
			started, finished, deadlineNs int64
		)
		if err := rows.Scan(&r.TaskID, &r.TaskName, &status, &started, &finished, &deadlineNs, &r.Output, &r.Error); err != nil {
			return nil, err
		}
		parsed, err := domain.ParseTaskStatus(status)
		if err != nil {
			return nil, fmt.Errorf("execution row for %s: %w", r.TaskID, err)
		}
		r.Status = parsed
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		if deadlineNs != 0 {
			r.Deadline = time.Unix(0, deadlineNs)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// OnTimeStats aggregates completed attempts and how many finished within
// their recorded expectation. A zero deadline counts as on time.
func (s *executionStore) OnTimeStats(ctx context.Context) (int, int, error) {
	query, args, err := s.db.QueryBuilder.
		Select(
			"COUNT(*)",
			"COALESCE(SUM(CASE WHEN deadline = 0 OR finished_at <= deadline THEN 1 ELSE 0 END), 0)",
		).
		From("executions").
		Where(squirrel.Eq{"status": string(domain.TaskStatusCompleted)}).
		ToSql()
	if err != nil {
		return 0, 0, fmt.Errorf("build efficiency query: %w", err)
	}

	var completed, onTime int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&completed, &onTime); err != nil {
		return 0, 0, err
	}
	return completed, onTime, nil
}

// Close closes the underlying database.
func (s *executionStore) Close() error {
	return s.db.Close()
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max]
}
