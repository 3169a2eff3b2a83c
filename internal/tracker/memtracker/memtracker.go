// Package memtracker is an in-memory tracker.Client with a deterministic
// clock and failure injection. It stands in for real backends in tests.
package memtracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

// Operation names used by FailNext and Calls.
const (
	OpListProjects  = "ListProjects"
	OpListItems     = "ListItems"
	OpGetItem       = "GetItem"
	OpCreateItem    = "CreateItem"
	OpUpdateItem    = "UpdateItem"
	OpSearchByTitle = "SearchByTitle"
)

// Update records one UpdateItem call.
type Update struct {
	ID    string
	Field types.Field
	Value string
}

type failure struct {
	err   error
	times int
	match string
}

// Client is an in-memory backend.
type Client struct {
	mu       sync.Mutex
	system   types.System
	prefix   string
	seq      int
	clock    time.Time
	projects []types.Project
	items    map[string]*types.Item
	failures map[string][]*failure
	calls    map[string]int
	updates  []Update
	creates  []*types.Item
}

// Epoch is the clock's starting time.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// New creates an empty backend for sys. Created items get ids prefix-1,
// prefix-2 and so on.
func New(sys types.System, prefix string) *Client {
	return &Client{
		system:   sys,
		prefix:   prefix,
		clock:    Epoch,
		items:    make(map[string]*types.Item),
		failures: make(map[string][]*failure),
		calls:    make(map[string]int),
	}
}

// tick advances the clock by one second. Callers hold c.mu.
func (c *Client) tick() time.Time {
	c.clock = c.clock.Add(time.Second)
	return c.clock
}

// Now returns the current clock value.
func (c *Client) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// AddProject registers a project.
func (c *Client) AddProject(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects = append(c.projects, types.Project{ID: id, Name: name})
}

// Seed inserts item as if it already existed. A zero UpdatedAt is stamped
// from the clock; a later explicit UpdatedAt moves the clock forward.
func (c *Client) Seed(item *types.Item) *types.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := item.Clone()
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = c.tick()
	} else if it.UpdatedAt.After(c.clock) {
		c.clock = it.UpdatedAt
	}
	c.items[it.ID] = it
	return it.Clone()
}

// Edit changes a field the way a person editing the backend directly would.
func (c *Client) Edit(id string, field types.Field, value string) *types.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		panic(fmt.Sprintf("memtracker: edit of unknown item %s", id))
	}
	it.Set(field, value)
	it.UpdatedAt = c.tick()
	return it.Clone()
}

// EditAt is Edit with an explicit modification time.
func (c *Client) EditAt(id string, field types.Field, value string, at time.Time) *types.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		panic(fmt.Sprintf("memtracker: edit of unknown item %s", id))
	}
	it.Set(field, value)
	it.UpdatedAt = at
	if at.After(c.clock) {
		c.clock = at
	}
	return it.Clone()
}

// Delete removes an item.
func (c *Client) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

// Item returns a copy of an item, or nil.
func (c *Client) Item(id string) *types.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[id]; ok {
		return it.Clone()
	}
	return nil
}

// Items returns copies of every item ordered by id.
func (c *Client) Items() []*types.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked("")
}

// FailNext makes the next n calls of op fail with err. When match is
// non-empty only calls whose item id or project id equals match fail.
func (c *Client) FailNext(op string, err error, n int, match string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], &failure{err: err, times: n, match: match})
}

// Calls returns how many times op was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Updates returns every UpdateItem call so far.
func (c *Client) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.updates...)
}

// Creates returns copies of every item created through CreateItem.
func (c *Client) Creates() []*types.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Item, len(c.creates))
	for i, it := range c.creates {
		out[i] = it.Clone()
	}
	return out
}

// ResetCounters clears call counts, updates and creates.
func (c *Client) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]int)
	c.updates = nil
	c.creates = nil
}

// enter counts the call and returns an injected failure, if any.
func (c *Client) enter(op, key string) error {
	c.calls[op]++
	for _, f := range c.failures[op] {
		if f.times <= 0 || (f.match != "" && f.match != key) {
			continue
		}
		f.times--
		return f.err
	}
	return nil
}

func (c *Client) sortedLocked(projectID string) []*types.Item {
	out := make([]*types.Item, 0, len(c.items))
	for _, it := range c.items {
		if projectID != "" && it.ProjectID != projectID {
			continue
		}
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) System() types.System {
	return c.system
}

func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpListProjects, ""); err != nil {
		return nil, err
	}
	return append([]types.Project(nil), c.projects...), nil
}

func (c *Client) ListItems(ctx context.Context, projectID string) ([]*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpListItems, projectID); err != nil {
		return nil, err
	}
	return c.sortedLocked(projectID), nil
}

func (c *Client) GetItem(ctx context.Context, id string) (*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpGetItem, id); err != nil {
		return nil, err
	}
	it, ok := c.items[id]
	if !ok {
		return nil, fmt.Errorf("%s item %s: %w", c.system, id, tracker.ErrNotFound)
	}
	return it.Clone(), nil
}

func (c *Client) CreateItem(ctx context.Context, projectID string, fields types.Fields) (*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpCreateItem, projectID); err != nil {
		return nil, err
	}
	c.seq++
	for {
		if _, taken := c.items[fmt.Sprintf("%s-%d", c.prefix, c.seq)]; !taken {
			break
		}
		c.seq++
	}
	it := &types.Item{ID: fmt.Sprintf("%s-%d", c.prefix, c.seq), ProjectID: projectID}
	for f, v := range fields {
		it.Set(f, v)
	}
	it.UpdatedAt = c.tick()
	c.items[it.ID] = it
	c.creates = append(c.creates, it.Clone())
	return it.Clone(), nil
}

func (c *Client) UpdateItem(ctx context.Context, id string, field types.Field, value string) (*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpUpdateItem, id); err != nil {
		return nil, err
	}
	it, ok := c.items[id]
	if !ok {
		return nil, fmt.Errorf("%s item %s: %w", c.system, id, tracker.ErrNotFound)
	}
	it.Set(field, value)
	it.UpdatedAt = c.tick()
	c.updates = append(c.updates, Update{ID: id, Field: field, Value: value})
	return it.Clone(), nil
}

func (c *Client) SearchByTitle(ctx context.Context, text string) ([]*types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpSearchByTitle, ""); err != nil {
		return nil, err
	}
	needle := strings.ToLower(text)
	var out []*types.Item
	for _, it := range c.sortedLocked("") {
		if strings.Contains(strings.ToLower(it.Title), needle) {
			out = append(out, it)
		}
	}
	return out, nil
}
