package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/tracksync/internal/types"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestTranslate(t *testing.T) {
	v := Default()
	tests := []struct {
		name     string
		from, to types.System
		field    types.Field
		in, want string
	}{
		{"tracker status to board", types.SystemTracker, types.SystemBoard, types.FieldStatus, "InProgress", "doing"},
		{"spaced spelling", types.SystemTracker, types.SystemBoard, types.FieldStatus, "In Progress", "doing"},
		{"board status to beads", types.SystemBoard, types.SystemBeads, types.FieldStatus, "review", "in_progress"},
		{"beads closed to tracker", types.SystemBeads, types.SystemTracker, types.FieldStatus, "closed", "Done"},
		{"unknown status falls to default", types.SystemBoard, types.SystemTracker, types.FieldStatus, "icebox", "Todo"},
		{"beads priority", types.SystemBeads, types.SystemTracker, types.FieldPriority, "0", "Urgent"},
		{"board priority", types.SystemTracker, types.SystemBoard, types.FieldPriority, "Medium", "normal"},
		{"unknown priority", types.SystemTracker, types.SystemBeads, types.FieldPriority, "P9", "4"},
		{"feature to story", types.SystemTracker, types.SystemBoard, types.FieldType, "Feature", "story"},
		{"title passes through", types.SystemTracker, types.SystemBoard, types.FieldTitle, "Fix login", "Fix login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Translate(tt.from, tt.to, tt.field, tt.in))
		})
	}
}

func TestTranslate_Deterministic(t *testing.T) {
	v := Default()
	for i := 0; i < 50; i++ {
		assert.Equal(t, "open", v.Translate(types.SystemTracker, types.SystemBeads, types.FieldStatus, "Backlog"))
	}
}

func TestEquivalent_LossyMapping(t *testing.T) {
	v := Default()
	// beads has no review column, so in_review and in_progress collapse there.
	native := v.Translate(types.SystemTracker, types.SystemBeads, types.FieldStatus, "InReview")
	assert.Equal(t, "in_progress", native)
	assert.True(t, v.Equivalent(types.SystemBeads, types.FieldStatus, native, "in_progress"))
	assert.False(t, v.Equivalent(types.SystemBeads, types.FieldStatus, "open", "closed"))
}

func TestLoad_YAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
status:
  systems:
    board:
      to_canonical:
        icebox: backlog
      from_canonical:
        in_review: qa
`), 0644))

	v, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StatusBacklog, v.Status.ToCanonical(types.SystemBoard, "Icebox"))
	assert.Equal(t, "qa", v.Translate(types.SystemTracker, types.SystemBoard, types.FieldStatus, "InReview"))
	// Built-in entries survive the merge.
	assert.Equal(t, "doing", v.Translate(types.SystemTracker, types.SystemBoard, types.FieldStatus, "InProgress"))
}

func TestLoad_TOMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[priority]
default = "medium"

[priority.systems.board.to_canonical]
blocker = "urgent"
`), 0644))

	v, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, v.Priority.ToCanonical(types.SystemBoard, "blocker"))
	assert.Equal(t, "normal", v.Translate(types.SystemTracker, types.SystemBoard, types.FieldPriority, "whatever"))
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "vocab.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("status:\n  systems:\n    jira: {}\n"), 0644))
	_, err := Load(bad)
	assert.Error(t, err)

	unknown := filepath.Join(dir, "vocab.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("status:\n  default: limbo\n"), 0644))
	_, err = Load(unknown)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "vocab.json"))
	assert.Error(t, err)

	v, err := Load("")
	require.NoError(t, err)
	assert.NotNil(t, v.Status)
}
