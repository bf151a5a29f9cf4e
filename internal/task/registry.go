package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/logging"
)

// Registry is the durable set of task runtime records, replayed on
// startup (spec.md §4.5).
type Registry struct {
	path   string
	logger *logging.Logger

	mu       sync.Mutex
	loadOnce sync.Once
	loadErr  error
	tasks    map[string]Task
}

// NewRegistry constructs a Registry backed by path.
func NewRegistry(path string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Registry{path: path, logger: logger, tasks: make(map[string]Task)}
}

func (r *Registry) ensureLoaded() error {
	r.loadOnce.Do(func() {
		r.loadErr = r.load()
	})
	return r.loadErr
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.tasks = make(map[string]Task)
		return nil
	}
	if err != nil {
		return fmt.Errorf("task registry: read %s: %w", r.path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("task registry: parse %s: %w", r.path, err)
	}
	if f.Version != currentVersion {
		return fmt.Errorf("task registry: unsupported version %d in %s", f.Version, r.path)
	}

	tasks := make(map[string]Task, len(f.Tasks))
	for _, t := range f.Tasks {
		if err := ValidateInvariants(t); err != nil {
			return fmt.Errorf("task registry: %w", err)
		}
		if _, dup := tasks[t.TaskID]; dup {
			return fmt.Errorf("task registry: duplicate taskId %q in %s", t.TaskID, r.path)
		}
		tasks[t.TaskID] = t
	}
	r.tasks = tasks
	return nil
}

func (r *Registry) sortedLocked() []Task {
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

func (r *Registry) persistLocked() error {
	f := file{Version: currentVersion, Tasks: r.sortedLocked()}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("task registry: marshal: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("task registry: mkdir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("task registry: write %s: %w", r.path, err)
	}
	return nil
}

// Upsert validates and persists t, replacing any existing record with the
// same taskId.
func (r *Registry) Upsert(t Task) error {
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	if err := ValidateInvariants(t); err != nil {
		return apperrors.Conflict(err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.TaskID] = t
	return r.persistLocked()
}

// Remove deletes the task with the given id, if present.
func (r *Registry) Remove(taskID string) error {
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		return nil
	}
	delete(r.tasks, taskID)
	return r.persistLocked()
}

// Get returns the task with the given id.
func (r *Registry) Get(taskID string) (Task, bool, error) {
	if err := r.ensureLoaded(); err != nil {
		return Task{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	return t, ok, nil
}

// List returns every task, sorted by createdAt then taskId.
func (r *Registry) List() ([]Task, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(), nil
}
