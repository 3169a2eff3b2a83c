// Package ingest turns inbound change notifications into per-project batches
// of change events and hands them to the concurrency controller.
//
// Two JSON shapes are accepted. A webhook payload describes one entity:
//
//	{"action": "update", "type": "Issue", "data": {"id": "ENG-1", "projectId": "eng", ...},
//	 "updatedFrom": {"title": "old"}}
//
// A feed payload carries many:
//
//	{"source": "board", "events": [{"entity": "card", "id": "card-1", "project": "board-web",
//	 "fields": ["status"], "timestamp": "2026-01-01T00:00:00Z"}]}
//
// The shape is chosen by the presence of "events", and each shape is
// validated against its JSON Schema before it is decoded.
package ingest

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/steveyegge/tracksync/internal/types"
)

// DefaultReplayThreshold is the batch size above which a batch is treated as
// a replay of history rather than live change.
const DefaultReplayThreshold = 50

// Webhook actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionRemove = "remove"
)

// ErrUnknownShape is returned for JSON that is neither a webhook nor a feed payload.
var ErrUnknownShape = errors.New("unknown payload shape")

// PayloadError rejects a malformed payload.
type PayloadError struct {
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid payload: %s: %v", e.Reason, e.Err)
	}
	return "invalid payload: " + e.Reason
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// ProjectResolver maps a system's project id to a configured project key.
type ProjectResolver interface {
	ProjectFor(sys types.System, projectID string) (string, bool)
}

// WebhookPayload is the single-entity shape.
type WebhookPayload struct {
	Action      string                     `json:"action"`
	Type        string                     `json:"type"`
	Source      string                     `json:"source,omitempty"`
	Data        WebhookData                `json:"data"`
	UpdatedFrom map[string]json.RawMessage `json:"updatedFrom,omitempty"`
	CreatedAt   *time.Time                 `json:"createdAt,omitempty"`
}

// WebhookData holds the entity fields the transform reads. Fields holds every
// key of the data object.
type WebhookData struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Fields    []string   `json:"-"`
}

// FeedPayload is the batch shape.
type FeedPayload struct {
	Source string      `json:"source,omitempty"`
	Events []FeedEvent `json:"events"`
}

// FeedEvent is one entry of a feed payload.
type FeedEvent struct {
	Entity    string     `json:"entity,omitempty"`
	ID        string     `json:"id"`
	Project   string     `json:"project,omitempty"`
	Fields    []string   `json:"fields,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Batch is the set of events for one project.
type Batch struct {
	ProjectKey string
	Events     []types.ChangeEvent
}

// Result is the outcome of transforming one payload.
type Result struct {
	Batches []Batch
	// Unrouted counts events whose project is not configured.
	Unrouted int
	// Replayed counts events dropped because their batch exceeded the
	// replay threshold.
	Replayed int
}

// Processed returns the number of events in the batches.
func (r *Result) Processed() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Events)
	}
	return n
}

// Skipped returns the number of events not forwarded.
func (r *Result) Skipped() int {
	return r.Unrouted + r.Replayed
}

//go:embed schemas/*.json
var schemaFS embed.FS

// Transformer validates payloads and normalizes them into batches.
type Transformer struct {
	resolver        ProjectResolver
	replayThreshold int
	webhook         *jsonschema.Schema
	feed            *jsonschema.Schema
	now             func() time.Time
}

// NewTransformer compiles the payload schemas. A replayThreshold of zero or
// less takes DefaultReplayThreshold.
func NewTransformer(resolver ProjectResolver, replayThreshold int) (*Transformer, error) {
	if resolver == nil {
		return nil, errors.New("transformer needs a project resolver")
	}
	if replayThreshold <= 0 {
		replayThreshold = DefaultReplayThreshold
	}

	webhook, err := compileSchema("schemas/webhook.json")
	if err != nil {
		return nil, err
	}
	feed, err := compileSchema("schemas/feed.json")
	if err != nil {
		return nil, err
	}

	return &Transformer{
		resolver:        resolver,
		replayThreshold: replayThreshold,
		webhook:         webhook,
		feed:            feed,
		now:             time.Now,
	}, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return sch, nil
}

// Transform validates body as a payload from sys and groups its events by
// project. Malformed payloads yield a *PayloadError.
func (t *Transformer) Transform(sys types.System, body []byte) (*Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, &PayloadError{Reason: "body is not valid JSON"}
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, &PayloadError{Reason: "body must be a JSON object", Err: ErrUnknownShape}
	}

	var events []types.ChangeEvent
	var err error
	switch {
	case root.Get("events").Exists():
		events, err = t.feedEvents(sys, body)
	case root.Get("action").Exists() && root.Get("data").Exists():
		events, err = t.webhookEvents(sys, body)
	default:
		return nil, &PayloadError{Reason: "expected a webhook or feed payload", Err: ErrUnknownShape}
	}
	if err != nil {
		return nil, err
	}
	return t.group(events), nil
}

func (t *Transformer) validate(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &PayloadError{Reason: "body is not valid JSON", Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &PayloadError{Reason: "schema validation failed", Err: err}
	}
	return nil
}

func checkSource(sys types.System, source string) error {
	if source != "" && !strings.EqualFold(source, string(sys)) {
		return &PayloadError{Reason: fmt.Sprintf("source %q does not match %s", source, sys)}
	}
	return nil
}

func (t *Transformer) webhookEvents(sys types.System, body []byte) ([]types.ChangeEvent, error) {
	if err := t.validate(t.webhook, body); err != nil {
		return nil, err
	}
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &PayloadError{Reason: "failed to decode webhook payload", Err: err}
	}
	if err := checkSource(sys, p.Source); err != nil {
		return nil, err
	}
	gjson.GetBytes(body, "data").ForEach(func(key, _ gjson.Result) bool {
		p.Data.Fields = append(p.Data.Fields, key.String())
		return true
	})

	return []types.ChangeEvent{t.webhookEvent(sys, &p)}, nil
}

func (t *Transformer) webhookEvent(sys types.System, p *WebhookPayload) types.ChangeEvent {
	var changed []string
	if p.Action == ActionUpdate {
		for k := range p.UpdatedFrom {
			changed = append(changed, k)
		}
	} else {
		changed = append(changed, p.Data.Fields...)
	}
	sort.Strings(changed)

	ts := t.now().UTC()
	switch {
	case p.Data.UpdatedAt != nil:
		ts = p.Data.UpdatedAt.UTC()
	case p.CreatedAt != nil:
		ts = p.CreatedAt.UTC()
	}

	return types.ChangeEvent{
		EntityClass:         strings.ToLower(p.Type),
		CanonicalIdentifier: p.Data.ID,
		ChangedFields:       changed,
		Timestamp:           ts,
		SourceSystem:        sys,
		ProjectKey:          t.projectKey(sys, p.Data.ProjectID),
	}
}

func (t *Transformer) feedEvents(sys types.System, body []byte) ([]types.ChangeEvent, error) {
	if err := t.validate(t.feed, body); err != nil {
		return nil, err
	}
	var p FeedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &PayloadError{Reason: "failed to decode feed payload", Err: err}
	}
	if err := checkSource(sys, p.Source); err != nil {
		return nil, err
	}

	events := make([]types.ChangeEvent, 0, len(p.Events))
	for _, fe := range p.Events {
		ts := t.now().UTC()
		if fe.Timestamp != nil {
			ts = fe.Timestamp.UTC()
		}
		events = append(events, types.ChangeEvent{
			EntityClass:         strings.ToLower(fe.Entity),
			CanonicalIdentifier: fe.ID,
			ChangedFields:       fe.Fields,
			Timestamp:           ts,
			SourceSystem:        sys,
			ProjectKey:          t.projectKey(sys, fe.Project),
		})
	}
	return events, nil
}

func (t *Transformer) projectKey(sys types.System, projectID string) string {
	if projectID == "" {
		return ""
	}
	key, _ := t.resolver.ProjectFor(sys, projectID)
	return key
}

// group splits events by project, in first-seen order, and drops unrouted
// events and oversized batches.
func (t *Transformer) group(events []types.ChangeEvent) *Result {
	res := &Result{}
	byKey := make(map[string]int)
	for _, ev := range events {
		if ev.ProjectKey == "" {
			res.Unrouted++
			continue
		}
		i, ok := byKey[ev.ProjectKey]
		if !ok {
			i = len(res.Batches)
			byKey[ev.ProjectKey] = i
			res.Batches = append(res.Batches, Batch{ProjectKey: ev.ProjectKey})
		}
		res.Batches[i].Events = append(res.Batches[i].Events, ev)
	}

	kept := res.Batches[:0]
	for _, b := range res.Batches {
		if len(b.Events) > t.replayThreshold {
			res.Replayed += len(b.Events)
			continue
		}
		kept = append(kept, b)
	}
	res.Batches = kept
	return res
}
