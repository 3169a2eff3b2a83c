package retry

import (
	"context"
	"errors"

	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

// Client decorates a tracker.Client so every call runs under one Policy.
type Client struct {
	inner  tracker.Client
	policy Policy
}

// Wrap applies p to every call made through c.
func Wrap(c tracker.Client, p Policy) *Client {
	return &Client{inner: c, policy: p}
}

// Unwrap returns the decorated client.
func (c *Client) Unwrap() tracker.Client {
	return c.inner
}

func (c *Client) System() types.System {
	return c.inner.System()
}

func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	return Do(ctx, c.policy, func(ctx context.Context) ([]types.Project, error) {
		return c.inner.ListProjects(ctx)
	})
}

func (c *Client) ListItems(ctx context.Context, projectID string) ([]*types.Item, error) {
	return Do(ctx, c.policy, func(ctx context.Context) ([]*types.Item, error) {
		return c.inner.ListItems(ctx, projectID)
	})
}

func (c *Client) GetItem(ctx context.Context, id string) (*types.Item, error) {
	return Do(ctx, c.policy, func(ctx context.Context) (*types.Item, error) {
		return c.inner.GetItem(ctx, id)
	})
}

// CreateItem is retried like every other call. A create that succeeded
// remotely but failed in transit is matched back by its reference tag on
// the next pass instead of being created twice.
func (c *Client) CreateItem(ctx context.Context, projectID string, fields types.Fields) (*types.Item, error) {
	return Do(ctx, c.policy, func(ctx context.Context) (*types.Item, error) {
		return c.inner.CreateItem(ctx, projectID, fields)
	})
}

func (c *Client) UpdateItem(ctx context.Context, id string, field types.Field, value string) (*types.Item, error) {
	return Do(ctx, c.policy, func(ctx context.Context) (*types.Item, error) {
		return c.inner.UpdateItem(ctx, id, field, value)
	})
}

func (c *Client) SearchByTitle(ctx context.Context, text string) ([]*types.Item, error) {
	return Do(ctx, c.policy, func(ctx context.Context) ([]*types.Item, error) {
		return c.inner.SearchByTitle(ctx, text)
	})
}

// GetItems fetches ids in one call when the inner client supports it, and
// one by one otherwise. Missing items are skipped.
func (c *Client) GetItems(ctx context.Context, ids []string) ([]*types.Item, error) {
	if bg, ok := c.inner.(tracker.BatchGetter); ok {
		return Do(ctx, c.policy, func(ctx context.Context) ([]*types.Item, error) {
			return bg.GetItems(ctx, ids)
		})
	}

	items := make([]*types.Item, 0, len(ids))
	for _, id := range ids {
		item, err := c.GetItem(ctx, id)
		if errors.Is(err, tracker.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
