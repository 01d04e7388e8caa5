package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, issue int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          id,
		IssueNumber: issue,
		IssueRef:    "#1",
		Status:      StatusPending,
		Stages:      DefaultCatalog().Records(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	task := newTask("task-a", 1)
	task.Stages[0].Output = "analysis text"
	task.Stages[0].Status = StageCompleted
	require.NoError(t, store.Save(task))

	loaded, err := store.Load("task-a")
	require.NoError(t, err)
	assert.Equal(t, task.ID, loaded.ID)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, "analysis text", loaded.Stages[0].Output)
	assert.Equal(t, StageCompleted, loaded.Stages[0].Status)
}

func TestStoreLoadMissingTask(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(newTask("task-b", 2)))
	require.NoError(t, store.Save(newTask("task-b", 2)))

	entries, err := os.ReadDir(filepath.Join(dir, "tasks"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task-b.json", entries[0].Name())
}

func TestStoreListOrdersByCreation(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	older := newTask("task-old", 3)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := newTask("task-new", 4)

	require.NoError(t, store.Save(newer))
	require.NoError(t, store.Save(older))

	tasks, err := store.List()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-old", tasks[0].ID)
	assert.Equal(t, "task-new", tasks[1].ID)
}

func TestStoreListSkipsCorruptDocuments(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(newTask("task-c", 5)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks", "broken.json"), []byte("{truncated"), 0o600))

	tasks, err := store.List()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestStoreFindByIssue(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(newTask("task-d", 77)))

	found, err := store.FindByIssue(77)
	require.NoError(t, err)
	assert.Equal(t, "task-d", found.ID)

	_, err = store.FindByIssue(78)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
