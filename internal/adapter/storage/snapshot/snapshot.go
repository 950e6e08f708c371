// Package snapshot persists the task store as one JSON document on disk.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/core/domain"
)

// Store writes the scheduler snapshot atomically: marshal, write a temp
// file, rename over the target.
type Store struct {
	path string
	log  *zap.Logger
}

// NewStore creates a snapshot store at path.
func NewStore(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: log}
}

// Save serializes the full queue and scheduled map.
func (s *Store) Save(snap *domain.SchedulerSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reconstructs the snapshot. A missing or corrupt file degrades to an
// empty store with a warning; startup must never fail on persistence.
func (s *Store) Load() (*domain.SchedulerSnapshot, error) {
	empty := &domain.SchedulerSnapshot{Scheduled: map[string]*domain.Task{}}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("No snapshot found, starting empty", zap.String("path", s.path))
			return empty, nil
		}
		s.log.Warn("Failed to read snapshot, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return empty, nil
	}

	var snap domain.SchedulerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("Corrupt snapshot, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return empty, nil
	}
	if snap.Scheduled == nil {
		snap.Scheduled = map[string]*domain.Task{}
	}
	return &snap, nil
}
