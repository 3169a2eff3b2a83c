// Package types holds the data shared by every component of the sync engine:
// system identities, the normalized work item, and change events.
package types

import (
	"fmt"
	"time"
)

// System identifies one of the three synchronized backends.
type System string

const (
	// SystemTracker is the primary project tracker. Its identifiers are canonical.
	SystemTracker System = "tracker"
	// SystemBoard is the kanban execution board.
	SystemBoard System = "board"
	// SystemBeads is the local file-backed issue store.
	SystemBeads System = "beads"
)

// Systems lists every backend in a stable order.
var Systems = []System{SystemTracker, SystemBoard, SystemBeads}

// IsValid reports whether s names a known backend.
func (s System) IsValid() bool {
	switch s {
	case SystemTracker, SystemBoard, SystemBeads:
		return true
	}
	return false
}

// ParseSystem converts a string into a System.
func ParseSystem(s string) (System, error) {
	sys := System(s)
	if !sys.IsValid() {
		return "", fmt.Errorf("unknown system %q (want tracker, board or beads)", s)
	}
	return sys, nil
}

// Field names a synchronized attribute of an Item.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
	FieldType        Field = "type"
	FieldParent      Field = "parent"
)

// Fields is a set of field values used when creating an item.
type Fields map[Field]string

// Item is a work item as seen in one backend. Status, Priority and Type are
// in that backend's native vocabulary.
type Item struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	Type        string    `json:"type"`
	ParentID    string    `json:"parent_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Get returns the value of a synchronized field.
func (i *Item) Get(f Field) string {
	switch f {
	case FieldTitle:
		return i.Title
	case FieldDescription:
		return i.Description
	case FieldStatus:
		return i.Status
	case FieldPriority:
		return i.Priority
	case FieldType:
		return i.Type
	case FieldParent:
		return i.ParentID
	}
	return ""
}

// Set assigns the value of a synchronized field.
func (i *Item) Set(f Field, v string) {
	switch f {
	case FieldTitle:
		i.Title = v
	case FieldDescription:
		i.Description = v
	case FieldStatus:
		i.Status = v
	case FieldPriority:
		i.Priority = v
	case FieldType:
		i.Type = v
	case FieldParent:
		i.ParentID = v
	}
}

// Clone returns a copy of the item.
func (i *Item) Clone() *Item {
	c := *i
	return &c
}

// Project is a container of items in one backend.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChangeEvent is the normalized form of every inbound change notification.
// Events only trigger sync runs; they are never persisted.
type ChangeEvent struct {
	EntityClass         string    `json:"entity_class"`
	CanonicalIdentifier string    `json:"id"`
	ChangedFields       []string  `json:"changed_fields,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	SourceSystem        System    `json:"source"`
	ProjectKey          string    `json:"project"`
}
