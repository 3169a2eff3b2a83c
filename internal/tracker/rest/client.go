// Package rest is a JSON-over-HTTP tracker.Client for the project tracker and
// the kanban board.
//
// Both backends expose the same small resource API:
//
//	GET   /projects                  {"projects": [...]}
//	GET   /projects/{id}/items       {"items": [...]}
//	POST  /projects/{id}/items       {field: value, ...} -> item
//	GET   /items/{id}                item
//	GET   /items?ids=a,b             {"items": [...]}
//	GET   /items?search=text         {"items": [...]}
//	PATCH /items/{id}                {field: value} -> item
//
// The client does not retry; wrap it with retry.Wrap.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

// Options configures a Client.
type Options struct {
	System     types.System
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// Client talks to one backend.
type Client struct {
	system     types.System
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
}

// New creates a client. BaseURL is required.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%s base url is required", opts.System)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid %s base url: %w", opts.System, err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "tsync"
	}
	return &Client{
		system:     opts.System,
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  userAgent,
	}, nil
}

type itemList struct {
	Items []*types.Item `json:"items"`
}

type projectList struct {
	Projects []types.Project `json:"projects"`
}

func (c *Client) System() types.System {
	return c.system
}

func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	var out projectList
	if err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list %s projects: %w", c.system, err)
	}
	return out.Projects, nil
}

func (c *Client) ListItems(ctx context.Context, projectID string) ([]*types.Item, error) {
	var out itemList
	if err := c.doJSON(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID)+"/items", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list %s items of %s: %w", c.system, projectID, err)
	}
	return out.Items, nil
}

func (c *Client) GetItem(ctx context.Context, id string) (*types.Item, error) {
	var out types.Item
	if err := c.doJSON(ctx, http.MethodGet, "/items/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get %s item %s: %w", c.system, id, err)
	}
	return &out, nil
}

// GetItems implements tracker.BatchGetter.
func (c *Client) GetItems(ctx context.Context, ids []string) ([]*types.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out itemList
	q := url.Values{"ids": {strings.Join(ids, ",")}}
	if err := c.doJSON(ctx, http.MethodGet, "/items?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get %d %s items: %w", len(ids), c.system, err)
	}
	return out.Items, nil
}

func (c *Client) CreateItem(ctx context.Context, projectID string, fields types.Fields) (*types.Item, error) {
	var out types.Item
	if err := c.doJSON(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/items", fields, &out); err != nil {
		return nil, fmt.Errorf("failed to create %s item in %s: %w", c.system, projectID, err)
	}
	return &out, nil
}

func (c *Client) UpdateItem(ctx context.Context, id string, field types.Field, value string) (*types.Item, error) {
	var out types.Item
	body := map[types.Field]string{field: value}
	if err := c.doJSON(ctx, http.MethodPatch, "/items/"+url.PathEscape(id), body, &out); err != nil {
		return nil, fmt.Errorf("failed to update %s of %s item %s: %w", field, c.system, id, err)
	}
	return &out, nil
}

func (c *Client) SearchByTitle(ctx context.Context, text string) ([]*types.Item, error) {
	var out itemList
	q := url.Values{"search": {text}}
	if err := c.doJSON(ctx, http.MethodGet, "/items?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to search %s items: %w", c.system, err)
	}
	return out.Items, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(payload))
	}
	return &tracker.HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
