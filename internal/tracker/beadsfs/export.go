package beadsfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
)

// ExportFile is the default export name under the store root.
const ExportFile = "issues.jsonl"

// exportLine is one issue in the JSONL export.
type exportLine struct {
	*TaskFile
	Parent string `json:"parent,omitempty"`
}

// ExportResult summarizes an export.
type ExportResult struct {
	Path  string
	Tasks int
}

// Exporter publishes the store as a single JSONL file, one issue per line
// ordered by id, for consumers that read the classic beads format.
type Exporter struct {
	client    *Client
	path      string
	committer Committer
}

// Committer versions the export file after each publish.
// *git.Repo implements it.
type Committer interface {
	CommitPaths(ctx context.Context, message string, paths ...string) (bool, error)
}

// SetCommitter makes Publish commit the export when it changed.
func (e *Exporter) SetCommitter(c Committer) {
	e.committer = c
}

// Path returns the export file path.
func (e *Exporter) Path() string {
	return e.path
}

// NewExporter writes to path, or to Root/issues.jsonl when path is empty.
func NewExporter(c *Client, path string) *Exporter {
	if path == "" {
		path = filepath.Join(c.Root(), ExportFile)
	}
	return &Exporter{client: c, path: path}
}

// Export rewrites the JSONL file atomically.
func (e *Exporter) Export(ctx context.Context) (*ExportResult, error) {
	e.client.mu.Lock()
	tasks, err := e.client.readTasks()
	var parents map[string]string
	if err == nil {
		parents, err = e.client.parents()
	}
	e.client.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read store for export: %w", err)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := enc.Encode(exportLine{TaskFile: t, Parent: parents[t.ID]}); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", t.ID, err)
		}
	}

	if err := writeAtomic(e.path, buf.Bytes()); err != nil {
		return nil, err
	}
	return &ExportResult{Path: e.path, Tasks: len(tasks)}, nil
}

// Publish exports and logs the result.
func (e *Exporter) Publish(ctx context.Context) error {
	res, err := e.Export(ctx)
	if err != nil {
		return err
	}
	e.client.logger.Printf("Exported %d issues to %s", res.Tasks, res.Path)

	if e.committer == nil {
		return nil
	}
	msg := fmt.Sprintf("beads: export %d issues", res.Tasks)
	committed, err := e.committer.CommitPaths(ctx, msg, res.Path)
	if err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	if committed {
		e.client.logger.Printf("Committed %s", res.Path)
	}
	return nil
}
