package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tracksync/internal/tracker"
	"github.com/steveyegge/tracksync/internal/types"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{System: types.SystemBoard, BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Options{System: types.SystemTracker})
	assert.Error(t, err)
}

func TestClient_ListItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/projects/web/items", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "card-1", "title": "Fix login", "status": "doing", "updated_at": "2026-03-01T10:00:00Z"},
			},
		})
	})

	items, err := c.ListItems(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "card-1", items[0].ID)
	assert.Equal(t, "doing", items[0].Status)
	assert.True(t, items[0].UpdatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestClient_UpdateItemSendsOneField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/items/card-1", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"status": "done"}, body)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "card-1", "status": "done"})
	})

	item, err := c.UpdateItem(context.Background(), "card-1", types.FieldStatus, "done")
	require.NoError(t, err)
	assert.Equal(t, "done", item.Status)
}

func TestClient_CreateAndBatchGet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/projects/web/items":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			body["id"] = "card-7"
			_ = json.NewEncoder(w).Encode(body)
		case r.Method == http.MethodGet && r.URL.Path == "/items":
			assert.Equal(t, "card-1,card-2", r.URL.Query().Get("ids"))
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": "card-1"}}})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	})

	created, err := c.CreateItem(context.Background(), "web", types.Fields{types.FieldTitle: "Add SSO"})
	require.NoError(t, err)
	assert.Equal(t, "card-7", created.ID)
	assert.Equal(t, "Add SSO", created.Title)

	items, err := c.GetItems(context.Background(), []string{"card-1", "card-2"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestClient_ErrorMapping(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"no such item"}`))
		default:
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		}
	})

	_, err := c.GetItem(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, tracker.ErrNotFound))

	_, err = c.GetItem(context.Background(), "busy")
	var httpErr *tracker.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Equal(t, 3*time.Second, httpErr.RetryAfter)
	assert.Equal(t, "slow down", httpErr.Message)
	assert.True(t, httpErr.Temporary())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 30*time.Second)
}
