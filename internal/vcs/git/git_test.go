package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	cmd := exec.Command("git", "init")
	cmd.Dir = dir
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}

	// Configure git user for commits
	exec.Command("git", "-C", dir, "config", "user.name", "Test User").Run()
	exec.Command("git", "-C", dir, "config", "user.email", "test@example.com").Run()
	exec.Command("git", "-C", dir, "config", "commit.gpgsign", "false").Run()
	return dir
}

func TestOpen(t *testing.T) {
	dir := setupTestRepo(t)
	sub := filepath.Join(dir, ".beads")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	r, err := Open(sub)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if r.Root() != want {
		t.Errorf("Root() = %q, want %q", r.Root(), want)
	}
}

func TestOpen_NotInRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	// GIT_CEILING_DIRECTORIES keeps git from finding a repo above the temp dir.
	dir := t.TempDir()
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))

	_, err := Open(dir)
	if !errors.Is(err, ErrNotInRepo) {
		t.Errorf("Open() error = %v, want ErrNotInRepo", err)
	}
}

func TestCommitPaths(t *testing.T) {
	dir := setupTestRepo(t)
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	ctx := context.Background()
	path := filepath.Join(dir, "issues.jsonl")

	if err := os.WriteFile(path, []byte("{\"id\":\"bd-1\"}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	committed, err := r.CommitPaths(ctx, "export beads", path)
	if err != nil {
		t.Fatalf("CommitPaths() failed: %v", err)
	}
	if !committed {
		t.Fatal("CommitPaths() = false for a new file")
	}
	head, err := r.Head(ctx)
	if err != nil || head == "" {
		t.Fatalf("Head() = %q, %v", head, err)
	}

	committed, err = r.CommitPaths(ctx, "export beads", path)
	if err != nil {
		t.Fatalf("CommitPaths() failed: %v", err)
	}
	if committed {
		t.Error("CommitPaths() = true without changes")
	}

	if err := os.WriteFile(path, []byte("{\"id\":\"bd-2\"}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	changed, err := r.HasChanges(ctx, path)
	if err != nil || !changed {
		t.Fatalf("HasChanges() = %v, %v; want true", changed, err)
	}
}

func TestCommitPaths_Validation(t *testing.T) {
	r := &Repo{root: t.TempDir()}
	if _, err := r.CommitPaths(context.Background(), "", "x"); err == nil {
		t.Error("expected error for empty message")
	}
	if _, err := r.CommitPaths(context.Background(), "msg"); err == nil {
		t.Error("expected error without paths")
	}
}
