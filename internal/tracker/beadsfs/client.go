package beadsfs

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

// Options configures a Client.
type Options struct {
	// Root holds tasks/, deps/ and the JSONL export.
	Root string
	// Prefix is prepended to new issue ids ("bd" gives bd-1, bd-2, ...).
	Prefix string
	Logger *log.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Client reads and writes the beads file layout.
type Client struct {
	mu       sync.Mutex
	root     string
	tasksDir string
	depsDir  string
	prefix   string
	logger   *log.Logger
	now      func() time.Time
}

// New opens the store at opts.Root, creating tasks/ and deps/ if needed.
func New(opts Options) (*Client, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("beads root is required")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "bd"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[beads] ", log.LstdFlags)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		root:     opts.Root,
		tasksDir: filepath.Join(opts.Root, "tasks"),
		depsDir:  filepath.Join(opts.Root, "deps"),
		prefix:   prefix,
		logger:   logger,
		now:      now,
	}
	for _, dir := range []string{c.tasksDir, c.depsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return c, nil
}

// TasksDir returns the directory holding task files.
func (c *Client) TasksDir() string { return c.tasksDir }

// DepsDir returns the directory holding dependency files.
func (c *Client) DepsDir() string { return c.depsDir }

// Root returns the store root.
func (c *Client) Root() string { return c.root }

func (c *Client) System() types.System {
	return types.SystemBeads
}

func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.readTasks()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []types.Project
	for _, t := range tasks {
		if t.Project == "" || seen[t.Project] {
			continue
		}
		seen[t.Project] = true
		out = append(out, types.Project{ID: t.Project, Name: t.Project})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Client) ListItems(ctx context.Context, projectID string) ([]*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.readTasks()
	if err != nil {
		return nil, err
	}
	parents, err := c.parents()
	if err != nil {
		return nil, err
	}

	var items []*types.Item
	for _, t := range tasks {
		if projectID != "" && t.Project != projectID {
			continue
		}
		items = append(items, toItem(t, parents[t.ID]))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (c *Client) GetItem(ctx context.Context, id string) (*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.readTask(id)
	if err != nil {
		return nil, err
	}
	parents, err := c.parents()
	if err != nil {
		return nil, err
	}
	return toItem(t, parents[t.ID]), nil
}

func (c *Client) CreateItem(ctx context.Context, projectID string, fields types.Fields) (*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.nextID()
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	t := &TaskFile{
		ID:          id,
		Project:     projectID,
		Title:       fields[types.FieldTitle],
		Description: fields[types.FieldDescription],
		Type:        orDefault(fields[types.FieldType], "task"),
		Status:      orDefault(fields[types.FieldStatus], "open"),
		Priority:    2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p := fields[types.FieldPriority]; p != "" {
		if t.Priority, err = parsePriority(p); err != nil {
			return nil, err
		}
	}
	if err := WriteTaskFile(c.tasksDir, t); err != nil {
		return nil, err
	}

	parent := fields[types.FieldParent]
	if parent != "" {
		if err := c.setParent(t.ID, parent, now); err != nil {
			return nil, err
		}
	}
	return toItem(t, parent), nil
}

func (c *Client) UpdateItem(ctx context.Context, id string, field types.Field, value string) (*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.readTask(id)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Millisecond)
	}

	switch field {
	case types.FieldTitle:
		t.Title = value
	case types.FieldDescription:
		t.Description = value
	case types.FieldStatus:
		t.Status = value
	case types.FieldType:
		t.Type = value
	case types.FieldPriority:
		if t.Priority, err = parsePriority(value); err != nil {
			return nil, err
		}
	case types.FieldParent:
		if err := c.setParent(id, value, now); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported field %q", field)
	}

	t.UpdatedAt = now
	if err := WriteTaskFile(c.tasksDir, t); err != nil {
		return nil, err
	}

	parents, err := c.parents()
	if err != nil {
		return nil, err
	}
	return toItem(t, parents[id]), nil
}

func (c *Client) SearchByTitle(ctx context.Context, text string) ([]*types.Item, error) {
	items, err := c.ListItems(ctx, "")
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	var out []*types.Item
	for _, it := range items {
		if strings.Contains(strings.ToLower(it.Title), needle) {
			out = append(out, it)
		}
	}
	return out, nil
}

// setParent replaces every parent-child dependency of child.
func (c *Client) setParent(child, parent string, at time.Time) error {
	deps, err := ListDeps(c.depsDir, DepParentChild)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.From == child && d.To != parent {
			if err := DeleteDepFile(c.depsDir, d); err != nil {
				return err
			}
		}
	}
	if parent == "" {
		return nil
	}
	return WriteDepFile(c.depsDir, &DepFile{From: child, To: parent, Type: DepParentChild, CreatedAt: at})
}

// parents maps child id to parent id.
func (c *Client) parents() (map[string]string, error) {
	deps, err := ListDeps(c.depsDir, DepParentChild)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(deps))
	for _, d := range deps {
		out[d.From] = d.To
	}
	return out, nil
}

func (c *Client) readTasks() ([]*TaskFile, error) {
	return ReadAllTaskFiles(c.tasksDir, func(name string, err error) {
		c.logger.Printf("WARNING: skipping invalid task file %s: %v", name, err)
	})
}

func (c *Client) readTask(id string) (*TaskFile, error) {
	path := filepath.Join(c.tasksDir, id+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("beads item %s: %w", id, tracker.ErrNotFound)
	}
	return ReadTaskFile(path)
}

// nextID returns prefix-N for one past the highest N in use.
func (c *Client) nextID() (string, error) {
	entries, err := os.ReadDir(c.tasksDir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read tasks directory: %w", err)
	}
	highest := 0
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		n, ok := strings.CutPrefix(name, c.prefix+"-")
		if !ok {
			continue
		}
		if v, err := strconv.Atoi(n); err == nil && v > highest {
			highest = v
		}
	}
	return fmt.Sprintf("%s-%d", c.prefix, highest+1), nil
}

func toItem(t *TaskFile, parent string) *types.Item {
	return &types.Item{
		ID:          t.ID,
		ProjectID:   t.Project,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    strconv.Itoa(t.Priority),
		Type:        t.Type,
		ParentID:    parent,
		UpdatedAt:   t.UpdatedAt,
	}
}

func parsePriority(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 0 || p > 4 {
		return 0, fmt.Errorf("priority must be 0-4, got %q", s)
	}
	return p, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
