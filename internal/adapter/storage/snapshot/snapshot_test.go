package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/core/domain"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store := NewStore(path, zap.NewNop())

	snap := &domain.SchedulerSnapshot{
		Pending: []*domain.Task{
			{
				ID:           "p1",
				Name:         "pending one",
				Priority:     domain.TaskPriorityHigh,
				Status:       domain.TaskStatusPending,
				CreatedAt:    time.Now().Truncate(time.Second),
				Dependencies: []string{"s1"},
			},
		},
		Scheduled: map[string]*domain.Task{
			"s1": {
				ID:       "s1",
				Name:     "scheduled one",
				Priority: domain.TaskPriorityNormal,
				Status:   domain.TaskStatusCompleted,
				Version:  4,
			},
		},
		SavedAt: time.Now(),
	}
	require.NoError(t, store.Save(snap))

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.Pending, 1)
	assert.Equal(t, "p1", got.Pending[0].ID)
	assert.Equal(t, domain.TaskPriorityHigh, got.Pending[0].Priority)
	assert.Equal(t, []string{"s1"}, got.Pending[0].Dependencies)
	require.Contains(t, got.Scheduled, "s1")
	assert.Equal(t, domain.TaskStatusCompleted, got.Scheduled["s1"].Status)
	assert.Equal(t, uint64(4), got.Scheduled["s1"].Version)
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"), zap.NewNop())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, got.Pending)
	assert.NotNil(t, got.Scheduled)
}

func TestLoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{ not json"), 0o644))
	store := NewStore(path, zap.NewNop())

	got, err := store.Load()
	require.NoError(t, err, "corruption degrades to empty, never fails startup")
	assert.Empty(t, got.Pending)
	assert.NotNil(t, got.Scheduled)
}

func TestSaveReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewStore(path, zap.NewNop())

	first := &domain.SchedulerSnapshot{
		Pending:   []*domain.Task{{ID: "a", Status: domain.TaskStatusPending}},
		Scheduled: map[string]*domain.Task{},
	}
	require.NoError(t, store.Save(first))

	second := &domain.SchedulerSnapshot{
		Pending:   []*domain.Task{{ID: "b", Status: domain.TaskStatusPending}},
		Scheduled: map[string]*domain.Task{},
	}
	require.NoError(t, store.Save(second))

	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.Pending, 1)
	assert.Equal(t, "b", got.Pending[0].ID)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
