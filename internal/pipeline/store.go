package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists one JSON document per task under dir/tasks. Writes go to
// a temp file in the same directory followed by a rename, so a crash mid
// write never leaves a truncated document behind.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the task directory if needed.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "tasks")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the task document atomically.
func (s *Store) Save(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	final := s.path(task.ID)
	tmp, err := os.CreateTemp(s.dir, task.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write task %s: %w", task.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace task %s: %w", task.ID, err)
	}
	return nil
}

// Load reads a task document by id.
func (s *Store) Load(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task %s: %w", id, err)
	}
	return &task, nil
}

// List returns all persisted tasks ordered by creation time.
func (s *Store) List() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			// A stray temp or corrupt file must not block the listing.
			continue
		}
		tasks = append(tasks, &task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// FindByIssue returns the task bound to an issue number, if any.
func (s *Store) FindByIssue(issueNumber int) (*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.IssueNumber == issueNumber {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: issue #%d", ErrTaskNotFound, issueNumber)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
