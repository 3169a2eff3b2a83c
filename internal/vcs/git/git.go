// Package git commits files in the git repository that contains them. The
// beads export uses it to version each published snapshot.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotInRepo is returned when the path is not inside a git repository.
var ErrNotInRepo = errors.New("not in a git repository")

// Repo is a git working tree.
type Repo struct {
	root string
	// Author overrides the commit author, e.g. "tsync <tsync@localhost>".
	Author string
}

// Open finds the repository containing path.
func Open(path string) (*Repo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git binary not available: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = absPath
	output, err := cmd.Output()
	if err != nil {
		return nil, ErrNotInRepo
	}

	root := filepath.FromSlash(strings.TrimSpace(string(output)))
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &Repo{root: root}, nil
}

// Root returns the working tree root.
func (r *Repo) Root() string {
	return r.root
}

// Exec runs a raw git command in the working tree.
func (r *Repo) Exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\n%s",
			strings.Join(args, " "), err, string(output))
	}
	return output, nil
}

// HasChanges reports whether paths differ from HEAD, untracked files included.
func (r *Repo) HasChanges(ctx context.Context, paths ...string) (bool, error) {
	args := append([]string{"status", "--porcelain", "--"}, paths...)
	output, err := r.Exec(ctx, args...)
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// CommitPaths stages and commits paths when they changed. It reports whether
// a commit was made.
func (r *Repo) CommitPaths(ctx context.Context, message string, paths ...string) (bool, error) {
	if message == "" {
		return false, fmt.Errorf("commit message is required")
	}
	if len(paths) == 0 {
		return false, fmt.Errorf("no paths to commit")
	}

	changed, err := r.HasChanges(ctx, paths...)
	if err != nil || !changed {
		return false, err
	}

	if _, err := r.Exec(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return false, err
	}

	args := []string{"commit", "--no-verify", "-m", message}
	if r.Author != "" {
		args = append(args, "--author", r.Author)
	}
	args = append(args, "--")
	args = append(args, paths...)
	if _, err := r.Exec(ctx, args...); err != nil {
		return false, err
	}
	return true, nil
}

// Head returns the current commit hash.
func (r *Repo) Head(ctx context.Context) (string, error) {
	output, err := r.Exec(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
