// Package vocab translates status, priority and type values between the
// native vocabularies of each system and one canonical vocabulary.
//
// Translation is total and deterministic: every input maps to exactly one
// output, and unknown inputs fall into the field's default bucket. Lookups
// ignore case, spaces, hyphens and underscores, so "In Progress",
// "in_progress" and "InProgress" are the same key.
package vocab

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/tracksync/internal/types"
)

// Canonical statuses.
const (
	StatusBacklog    = "backlog"
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusDone       = "done"
	StatusCanceled   = "canceled"
)

// Canonical priorities.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
	PriorityNone   = "none"
)

// Canonical item types.
const (
	TypeBug     = "bug"
	TypeFeature = "feature"
	TypeTask    = "task"
	TypeEpic    = "epic"
	TypeChore   = "chore"
)

// Mapping translates one field.
type Mapping struct {
	// Default is the canonical bucket for values nobody recognizes.
	Default string
	// Values lists every canonical value.
	Values []string

	toCanonical   map[types.System]map[string]string
	fromCanonical map[types.System]map[string]string
}

// NewMapping creates an empty mapping over the given canonical values.
func NewMapping(def string, values ...string) *Mapping {
	return &Mapping{
		Default:       def,
		Values:        values,
		toCanonical:   make(map[types.System]map[string]string),
		fromCanonical: make(map[types.System]map[string]string),
	}
}

// Native registers a native value of sys. The first native value registered
// for a canonical value is the one emitted for it.
func (m *Mapping) Native(sys types.System, native, canonical string) *Mapping {
	if m.toCanonical[sys] == nil {
		m.toCanonical[sys] = make(map[string]string)
		m.fromCanonical[sys] = make(map[string]string)
	}
	m.toCanonical[sys][key(native)] = canonical
	if _, ok := m.fromCanonical[sys][canonical]; !ok {
		m.fromCanonical[sys][canonical] = native
	}
	return m
}

// Emit overrides the native value emitted for canonical in sys.
func (m *Mapping) Emit(sys types.System, canonical, native string) *Mapping {
	if m.fromCanonical[sys] == nil {
		m.toCanonical[sys] = make(map[string]string)
		m.fromCanonical[sys] = make(map[string]string)
	}
	m.fromCanonical[sys][canonical] = native
	if _, ok := m.toCanonical[sys][key(native)]; !ok {
		m.toCanonical[sys][key(native)] = canonical
	}
	return m
}

// ToCanonical maps a native value of sys to the canonical vocabulary.
func (m *Mapping) ToCanonical(sys types.System, native string) string {
	k := key(native)
	if c, ok := m.toCanonical[sys][k]; ok {
		return c
	}
	// Canonical spellings are accepted from every system.
	for _, v := range m.Values {
		if key(v) == k {
			return v
		}
	}
	return m.Default
}

// FromCanonical maps a canonical value to the native vocabulary of sys.
func (m *Mapping) FromCanonical(sys types.System, canonical string) string {
	if n, ok := m.fromCanonical[sys][canonical]; ok {
		return n
	}
	if n, ok := m.fromCanonical[sys][m.Default]; ok {
		return n
	}
	return m.Default
}

// Validate checks that every canonical value can be emitted in every system.
func (m *Mapping) Validate() error {
	if !contains(m.Values, m.Default) {
		return fmt.Errorf("default %q is not a canonical value", m.Default)
	}
	for _, sys := range types.Systems {
		for _, v := range m.Values {
			if _, ok := m.fromCanonical[sys][v]; !ok {
				return fmt.Errorf("%s has no native value for %q", sys, v)
			}
		}
		for native, c := range m.toCanonical[sys] {
			if !contains(m.Values, c) {
				return fmt.Errorf("%s value %q maps to unknown canonical value %q", sys, native, c)
			}
		}
	}
	return nil
}

// NativeValues returns the native values known for sys, sorted.
func (m *Mapping) NativeValues(sys types.System) []string {
	seen := make(map[string]bool)
	for _, n := range m.fromCanonical[sys] {
		seen[n] = true
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m *Mapping) clone() *Mapping {
	c := NewMapping(m.Default, append([]string(nil), m.Values...)...)
	for sys, tbl := range m.toCanonical {
		c.toCanonical[sys] = make(map[string]string, len(tbl))
		for k, v := range tbl {
			c.toCanonical[sys][k] = v
		}
	}
	for sys, tbl := range m.fromCanonical {
		c.fromCanonical[sys] = make(map[string]string, len(tbl))
		for k, v := range tbl {
			c.fromCanonical[sys][k] = v
		}
	}
	return c
}

// Table holds the mappings for every translated field.
type Table struct {
	Status   *Mapping
	Priority *Mapping
	Type     *Mapping
}

// Mapping returns the mapping for f, or nil for untranslated fields.
func (t *Table) Mapping(f types.Field) *Mapping {
	switch f {
	case types.FieldStatus:
		return t.Status
	case types.FieldPriority:
		return t.Priority
	case types.FieldType:
		return t.Type
	}
	return nil
}

// ToCanonical maps a native field value of sys to canonical form.
// Untranslated fields pass through unchanged.
func (t *Table) ToCanonical(sys types.System, f types.Field, value string) string {
	if m := t.Mapping(f); m != nil {
		return m.ToCanonical(sys, value)
	}
	return value
}

// Translate converts a native value of from into the native vocabulary of to.
func (t *Table) Translate(from, to types.System, f types.Field, value string) string {
	m := t.Mapping(f)
	if m == nil {
		return value
	}
	return m.FromCanonical(to, m.ToCanonical(from, value))
}

// Equivalent reports whether two native values of sys fall in the same
// canonical bucket.
func (t *Table) Equivalent(sys types.System, f types.Field, a, b string) bool {
	m := t.Mapping(f)
	if m == nil {
		return a == b
	}
	return m.ToCanonical(sys, a) == m.ToCanonical(sys, b)
}

// Validate checks every mapping.
func (t *Table) Validate() error {
	for name, m := range map[string]*Mapping{"status": t.Status, "priority": t.Priority, "type": t.Type} {
		if m == nil {
			return fmt.Errorf("%s mapping is missing", name)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%s mapping: %w", name, err)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (t *Table) Clone() *Table {
	return &Table{Status: t.Status.clone(), Priority: t.Priority.clone(), Type: t.Type.clone()}
}

// Default returns the built-in vocabulary.
func Default() *Table {
	tracker, board, beads := types.SystemTracker, types.SystemBoard, types.SystemBeads

	status := NewMapping(StatusTodo,
		StatusBacklog, StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCanceled).
		Native(tracker, "Backlog", StatusBacklog).
		Native(tracker, "Todo", StatusTodo).
		Native(tracker, "InProgress", StatusInProgress).
		Native(tracker, "InReview", StatusInReview).
		Native(tracker, "Done", StatusDone).
		Native(tracker, "Canceled", StatusCanceled).
		Native(tracker, "Cancelled", StatusCanceled).
		Native(tracker, "Triage", StatusBacklog).
		Native(board, "backlog", StatusBacklog).
		Native(board, "ready", StatusTodo).
		Native(board, "doing", StatusInProgress).
		Native(board, "review", StatusInReview).
		Native(board, "done", StatusDone).
		Native(board, "archived", StatusCanceled).
		Native(beads, "open", StatusTodo).
		Native(beads, "in_progress", StatusInProgress).
		Native(beads, "blocked", StatusInProgress).
		Native(beads, "deferred", StatusBacklog).
		Native(beads, "closed", StatusDone).
		Emit(beads, StatusInReview, "in_progress").
		Emit(beads, StatusCanceled, "closed")

	priority := NewMapping(PriorityNone,
		PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow, PriorityNone).
		Native(tracker, "Urgent", PriorityUrgent).
		Native(tracker, "High", PriorityHigh).
		Native(tracker, "Medium", PriorityMedium).
		Native(tracker, "Low", PriorityLow).
		Native(tracker, "None", PriorityNone).
		Native(tracker, "No priority", PriorityNone).
		Native(board, "critical", PriorityUrgent).
		Native(board, "high", PriorityHigh).
		Native(board, "normal", PriorityMedium).
		Native(board, "low", PriorityLow).
		Native(board, "none", PriorityNone).
		Native(beads, "0", PriorityUrgent).
		Native(beads, "1", PriorityHigh).
		Native(beads, "2", PriorityMedium).
		Native(beads, "3", PriorityLow).
		Native(beads, "4", PriorityNone)

	itemType := NewMapping(TypeTask,
		TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore).
		Native(tracker, "Bug", TypeBug).
		Native(tracker, "Feature", TypeFeature).
		Native(tracker, "Task", TypeTask).
		Native(tracker, "Epic", TypeEpic).
		Native(tracker, "Chore", TypeChore).
		Native(board, "bug", TypeBug).
		Native(board, "story", TypeFeature).
		Native(board, "task", TypeTask).
		Native(board, "epic", TypeEpic).
		Native(board, "chore", TypeChore).
		Native(beads, "bug", TypeBug).
		Native(beads, "feature", TypeFeature).
		Native(beads, "task", TypeTask).
		Native(beads, "epic", TypeEpic).
		Native(beads, "chore", TypeChore)

	return &Table{Status: status, Priority: priority, Type: itemType}
}

func key(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
