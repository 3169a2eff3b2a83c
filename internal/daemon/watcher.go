package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/tracksync/internal/ingest"
	"github.com/steveyegge/tracksync/internal/tracker/beadsfs"
	"github.com/steveyegge/tracksync/internal/types"
)

// Entity classes of beads file events.
const (
	EntityTask = "task"
	EntityDep  = "dep"
)

// ChangedDeleted marks an event whose file was removed or renamed away.
const ChangedDeleted = "deleted"

// FileWatcher turns changes under the beads tasks/ and deps/ directories into
// change events. Only *.json files are reported; the temp files written
// during atomic replacement are ignored.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	resolver ingest.ProjectResolver
	events   chan types.ChangeEvent
	errors   chan error
	done     chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
	tasksDir string
	depsDir  string
}

// NewFileWatcher creates a watcher. resolver maps the project named in a task
// file to a project key and may be nil, in which case events carry no key.
func NewFileWatcher(resolver ingest.ProjectResolver) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  watcher,
		resolver: resolver,
		events:   make(chan types.ChangeEvent, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching tasksDir and depsDir.
func (fw *FileWatcher) Start(tasksDir, depsDir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	var err error
	if fw.tasksDir, err = filepath.Abs(tasksDir); err != nil {
		return fmt.Errorf("failed to resolve tasks directory %s: %w", tasksDir, err)
	}
	if fw.depsDir, err = filepath.Abs(depsDir); err != nil {
		return fmt.Errorf("failed to resolve deps directory %s: %w", depsDir, err)
	}

	if err := fw.watcher.Add(fw.tasksDir); err != nil {
		return fmt.Errorf("failed to watch tasks directory %s: %w", tasksDir, err)
	}
	if err := fw.watcher.Add(fw.depsDir); err != nil {
		_ = fw.watcher.Remove(fw.tasksDir)
		return fmt.Errorf("failed to watch deps directory %s: %w", depsDir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and closes the Events and Errors channels. It blocks
// until the event loop has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)
	return nil
}

// Events returns the change event stream.
func (fw *FileWatcher) Events() <-chan types.ChangeEvent {
	return fw.events
}

// Errors returns watcher errors.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- ev:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a change event. The second result
// is false for events that should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (types.ChangeEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return types.ChangeEvent{}, false
	}

	var deleted bool
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as its own create.
		deleted = true
	default:
		return types.ChangeEvent{}, false
	}

	ev := types.ChangeEvent{
		SourceSystem: types.SystemBeads,
		Timestamp:    time.Now().UTC(),
	}
	if deleted {
		ev.ChangedFields = []string{ChangedDeleted}
	}

	name := filepath.Base(event.Name)
	switch fw.dirOf(event.Name) {
	case fw.tasksDir:
		ev.EntityClass = EntityTask
		ev.CanonicalIdentifier = strings.TrimSuffix(name, ".json")
		if !deleted {
			ev.ProjectKey = fw.projectOf(event.Name)
		}
	case fw.depsDir:
		from, _, _, err := beadsfs.ParseDepFileName(name)
		if err != nil {
			return types.ChangeEvent{}, false
		}
		ev.EntityClass = EntityDep
		ev.CanonicalIdentifier = from
	default:
		return types.ChangeEvent{}, false
	}
	return ev, true
}

func (fw *FileWatcher) dirOf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return filepath.Dir(abs)
}

// projectOf reads the task file's project and maps it to a project key.
// Unreadable files yield no key; the event is then routed to every project.
func (fw *FileWatcher) projectOf(path string) string {
	if fw.resolver == nil {
		return ""
	}
	task, err := beadsfs.ReadTaskFile(path)
	if err != nil || task.Project == "" {
		return ""
	}
	key, _ := fw.resolver.ProjectFor(types.SystemBeads, task.Project)
	return key
}
