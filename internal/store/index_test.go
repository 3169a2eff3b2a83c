package store

import (
	"testing"

	"github.com/steveyegge/tracksync/internal/types"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fix login", "fix login"},
		{"  Fix   LOGIN  ", "fix login"},
		{"[P1] Fix login", "fix login"},
		{"[BUG] [p0]   Fix login", "fix login"},
		{"[Backend] Fix login", "[backend] fix login"},
		{"[bug", "[bug"},
		{"Ｆｉｘ login", "fix login"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeTitle(tt.in); got != tt.want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTitlesMatch(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"exact after normalization", "[P2] Add SSO", "add sso", true},
		{"short containment rejected", "Add SSO", "Add SSO button", false},
		{"long containment accepted", "Migrate billing service to Postgres", "Migrate billing service to Postgres 16", true},
		{"different", "Add SSO support", "Remove SSO support", false},
		{"empty", "", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TitlesMatch(tt.a, tt.b); got != tt.want {
				t.Errorf("TitlesMatch(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestIndex_PutReplacesStaleEntries(t *testing.T) {
	idx := NewIndex([]*Record{{CanonicalID: "ENG-1", Title: "Old title"}})

	idx.Put(&Record{CanonicalID: "ENG-1", BoardID: "card-9", Title: "New title"})

	if got := idx.FindByNormalizedTitle("Old title"); len(got) != 0 {
		t.Errorf("stale title still indexed: %v", got)
	}
	if got := idx.FindByNormalizedTitle("new title"); len(got) != 1 {
		t.Errorf("FindByNormalizedTitle(new title) returned %d records, want 1", len(got))
	}
	if rec := idx.FindByExternalID(types.SystemBoard, "card-9"); rec == nil {
		t.Error("board link not indexed after Put")
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", idx.Len())
	}
}

func TestIndex_FindByNormalizedTitleOrder(t *testing.T) {
	idx := NewIndex([]*Record{
		{CanonicalID: "ENG-3", Title: "Migrate billing service to Postgres 16"},
		{CanonicalID: "ENG-2", Title: "[TASK] Migrate billing service to Postgres"},
		{CanonicalID: "ENG-1", Title: "migrate billing service to postgres"},
	})

	got := idx.FindByNormalizedTitle("Migrate billing service to Postgres")
	if len(got) != 3 {
		t.Fatalf("got %d matches, want 3", len(got))
	}
	want := []string{"ENG-1", "ENG-2", "ENG-3"}
	for i, rec := range got {
		if rec.CanonicalID != want[i] {
			t.Errorf("match %d = %s, want %s", i, rec.CanonicalID, want[i])
		}
	}
}

func TestContentHash_IgnoresSurroundingWhitespace(t *testing.T) {
	a := ContentHash("Fix login", "Steps\n", "todo", "high")
	b := ContentHash("Fix login", "  Steps", "todo", "high")
	if a != b {
		t.Error("hash changed on whitespace-only description difference")
	}
	if a == ContentHash("Fix login", "Steps", "done", "high") {
		t.Error("hash ignored status change")
	}
}
