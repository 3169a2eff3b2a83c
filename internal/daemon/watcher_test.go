package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/tracksync/internal/tracker/beadsfs"
	"github.com/steveyegge/tracksync/internal/types"
)

type staticResolver map[string]string

func (r staticResolver) ProjectFor(sys types.System, projectID string) (string, bool) {
	key, ok := r[string(sys)+"/"+projectID]
	return key, ok
}

// startWatcher creates tasks/ and deps/ in a temp dir and starts a watcher.
func startWatcher(t *testing.T) (*FileWatcher, string, string) {
	t.Helper()
	root := t.TempDir()
	tasksDir := filepath.Join(root, "tasks")
	depsDir := filepath.Join(root, "deps")
	for _, dir := range []string{tasksDir, depsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	fw, err := NewFileWatcher(staticResolver{"beads/beads-web": "web"})
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(tasksDir, depsDir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = fw.Stop() })
	return fw, tasksDir, depsDir
}

// waitFor returns the first event matching pred.
func waitFor(t *testing.T, fw *FileWatcher, pred func(types.ChangeEvent) bool) types.ChangeEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			if pred(ev) {
				return ev
			}
		case err := <-fw.Errors():
			t.Fatalf("watcher error: %v", err)
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	fw, _, _ := startWatcher(t)

	if !fw.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestFileWatcher_StartAlreadyRunning(t *testing.T) {
	fw, tasksDir, depsDir := startWatcher(t)
	if err := fw.Start(tasksDir, depsDir); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestFileWatcher_StartMissingDir(t *testing.T) {
	fw, err := NewFileWatcher(nil)
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	missing := filepath.Join(t.TempDir(), "nope")
	if err := fw.Start(missing, missing); err == nil {
		t.Error("Start() on a missing directory should fail")
	}
	if fw.IsRunning() {
		t.Error("watcher should not be running after a failed Start()")
	}
}

func TestFileWatcher_TaskWriteResolvesProject(t *testing.T) {
	fw, tasksDir, _ := startWatcher(t)

	now := time.Now().UTC()
	task := &beadsfs.TaskFile{
		ID:        "bd-1",
		Project:   "beads-web",
		Title:     "Fix login",
		Type:      "bug",
		Status:    "open",
		Priority:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := beadsfs.WriteTaskFile(tasksDir, task); err != nil {
		t.Fatalf("WriteTaskFile() failed: %v", err)
	}

	ev := waitFor(t, fw, func(ev types.ChangeEvent) bool { return ev.CanonicalIdentifier == "bd-1" })
	if ev.EntityClass != EntityTask {
		t.Errorf("EntityClass = %q, want %q", ev.EntityClass, EntityTask)
	}
	if ev.SourceSystem != types.SystemBeads {
		t.Errorf("SourceSystem = %q, want beads", ev.SourceSystem)
	}
	if ev.ProjectKey != "web" {
		t.Errorf("ProjectKey = %q, want web", ev.ProjectKey)
	}
}

func TestFileWatcher_DepRemoval(t *testing.T) {
	fw, _, depsDir := startWatcher(t)

	dep := &beadsfs.DepFile{From: "bd-2", To: "bd-1", Type: "parent-child", CreatedAt: time.Now().UTC()}
	if err := beadsfs.WriteDepFile(depsDir, dep); err != nil {
		t.Fatalf("WriteDepFile() failed: %v", err)
	}
	waitFor(t, fw, func(ev types.ChangeEvent) bool { return ev.EntityClass == EntityDep })

	if err := beadsfs.DeleteDepFile(depsDir, dep); err != nil {
		t.Fatalf("DeleteDepFile() failed: %v", err)
	}
	ev := waitFor(t, fw, func(ev types.ChangeEvent) bool {
		return ev.EntityClass == EntityDep && len(ev.ChangedFields) == 1 && ev.ChangedFields[0] == ChangedDeleted
	})
	if ev.CanonicalIdentifier != "bd-2" {
		t.Errorf("CanonicalIdentifier = %q, want bd-2", ev.CanonicalIdentifier)
	}
}

func TestFileWatcher_IgnoresNonJSON(t *testing.T) {
	fw, tasksDir, _ := startWatcher(t)

	if err := os.WriteFile(filepath.Join(tasksDir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	select {
	case ev := <-fw.Events():
		t.Errorf("unexpected event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
