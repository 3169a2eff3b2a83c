// Package beadsfs is the tracker.Client for the local beads issue store.
//
// Each issue is one JSON file under tasks/ and each relationship is one JSON
// file under deps/, so concurrent edits from several checkouts merge file by
// file. Parent links are "parent-child" dependencies pointing from the child
// to the parent.
package beadsfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TaskFile is one issue stored as tasks/{id}.json.
type TaskFile struct {
	ID      string `json:"id"`
	Project string `json:"project,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`   // bug, feature, task, epic, chore
	Status      string `json:"status"` // open, in_progress, blocked, deferred, closed

	Priority int `json:"priority"` // 0-4 (P0=critical, P4=backlog)

	AssignedAgent string   `json:"assigned_agent,omitempty"`
	Tags          []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the TaskFile has valid field values.
func (t *TaskFile) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(t.ID, `/\`) || strings.Contains(t.ID, "--") {
		return fmt.Errorf("id %q must not contain path separators or \"--\"", t.ID)
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if t.Type == "" {
		return fmt.Errorf("type is required")
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Filename returns the canonical filename for this task: {id}.json
func (t *TaskFile) Filename() string {
	return fmt.Sprintf("%s.json", t.ID)
}

// ReadTaskFile reads and validates a task file.
func ReadTaskFile(path string) (*TaskFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	var task TaskFile
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}

	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task file %s: %w", path, err)
	}

	return &task, nil
}

// WriteTaskFile writes tasksDir/{id}.json atomically via a temp file.
func WriteTaskFile(tasksDir string, task *TaskFile) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid task: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	return writeAtomic(filepath.Join(tasksDir, task.Filename()), data)
}

// ReadAllTaskFiles reads every task file in tasksDir. Invalid files are
// reported through skip and otherwise ignored.
func ReadAllTaskFiles(tasksDir string, skip func(name string, err error)) ([]*TaskFile, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*TaskFile{}, nil
		}
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var tasks []*TaskFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		task, err := ReadTaskFile(filepath.Join(tasksDir, entry.Name()))
		if err != nil {
			if skip != nil {
				skip(entry.Name(), err)
			}
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// writeAtomic writes data to path through a temp file and rename.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
