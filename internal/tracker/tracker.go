// Package tracker defines the contract every backend client implements.
//
// The sync engine only ever lists, fetches, creates, updates and searches
// items; everything else about a backend stays behind its client. Clients
// report failures with the typed errors in this package so the shared retry
// policy can tell transient failures from permanent ones.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/tracksync/internal/types"
)

// ErrNotFound is returned when an item or project does not exist.
var ErrNotFound = errors.New("not found")

// Client is the outbound contract for one backend.
type Client interface {
	// System identifies the backend.
	System() types.System
	// ListProjects returns the backend's projects.
	ListProjects(ctx context.Context) ([]types.Project, error)
	// ListItems returns every item of a project.
	ListItems(ctx context.Context, projectID string) ([]*types.Item, error)
	// GetItem returns one item, or an error wrapping ErrNotFound.
	GetItem(ctx context.Context, id string) (*types.Item, error)
	// CreateItem creates an item and returns it as stored.
	CreateItem(ctx context.Context, projectID string, fields types.Fields) (*types.Item, error)
	// UpdateItem sets one field and returns the item as stored. An empty
	// value for FieldParent removes the parent link.
	UpdateItem(ctx context.Context, id string, field types.Field, value string) (*types.Item, error)
	// SearchByTitle returns items whose title contains text.
	SearchByTitle(ctx context.Context, text string) ([]*types.Item, error)
}

// BatchGetter is implemented by clients that can fetch many items in one
// round trip. Missing ids are omitted from the result.
type BatchGetter interface {
	GetItems(ctx context.Context, ids []string) ([]*types.Item, error)
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the server's requested delay, if any.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// Temporary reports whether the request may succeed if repeated:
// rate limiting and server errors are, other client errors are not.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 599)
}
