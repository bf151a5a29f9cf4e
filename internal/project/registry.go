package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/logging"
)

// Registry is the durable set of registered repositories plus one active
// selection, backed by a single pretty-JSON file.
type Registry struct {
	path          string
	allowedRoots  []string
	logger        *logging.Logger

	mu              sync.Mutex
	loadOnce        sync.Once
	loadErr         error
	activeProjectID *string
	projects        []Project
}

// NewRegistry constructs a Registry backed by path, restricting new
// projects to roots under allowedRoots (empty means unrestricted).
func NewRegistry(path string, allowedRoots []string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Registry{path: path, allowedRoots: allowedRoots, logger: logger}
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
		r.projects = nil
		r.activeProjectID = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("project registry: read %s: %w", r.path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("project registry: parse %s: %w", r.path, err)
	}
	if f.Version != currentVersion {
		return fmt.Errorf("project registry: unsupported version %d in %s", f.Version, r.path)
	}

	seenIDs := make(map[string]struct{}, len(f.Projects))
	seenRoots := make(map[string]struct{}, len(f.Projects))
	for _, p := range f.Projects {
		if _, ok := seenIDs[p.ID]; ok {
			return fmt.Errorf("project registry: duplicate id %q in %s", p.ID, r.path)
		}
		seenIDs[p.ID] = struct{}{}
		if _, ok := seenRoots[p.RootDirectory]; ok {
			return fmt.Errorf("project registry: duplicate rootDirectory %q in %s", p.RootDirectory, r.path)
		}
		seenRoots[p.RootDirectory] = struct{}{}
	}

	r.projects = f.Projects
	r.activeProjectID = f.ActiveProjectID
	return nil
}

func (r *Registry) persistLocked() error {
	f := file{Version: currentVersion, ActiveProjectID: r.activeProjectID, Projects: r.sortedLocked()}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("project registry: marshal: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("project registry: mkdir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("project registry: write %s: %w", r.path, err)
	}
	return nil
}

func (r *Registry) sortedLocked() []Project {
	out := make([]Project, len(r.projects))
	copy(out, r.projects)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddProject validates and registers a new project. The first project
// added becomes active.
func (r *Registry) AddProject(id, name, rootDirectory string) (Project, error) {
	if err := r.ensureLoaded(); err != nil {
		return Project{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id = strings.TrimSpace(id)
	if id == "" {
		return Project{}, apperrors.BadRequest("project id must not be empty")
	}
	for _, p := range r.projects {
		if p.ID == id {
			return Project{}, apperrors.BadRequest(fmt.Sprintf("project id %q already registered", id))
		}
	}

	if !filepath.IsAbs(rootDirectory) {
		return Project{}, apperrors.BadRequest("rootDirectory must be absolute")
	}
	rootDirectory = filepath.Clean(rootDirectory)

	info, err := os.Stat(rootDirectory)
	if err != nil || !info.IsDir() {
		return Project{}, apperrors.BadRequest(fmt.Sprintf("rootDirectory %q does not exist or is not a directory", rootDirectory))
	}
	if !isVCSRoot(rootDirectory) {
		return Project{}, apperrors.BadRequest(fmt.Sprintf("rootDirectory %q is not a version-control repository root", rootDirectory))
	}
	for _, p := range r.projects {
		if p.RootDirectory == rootDirectory {
			return Project{}, apperrors.BadRequest(fmt.Sprintf("rootDirectory %q already registered", rootDirectory))
		}
	}
	if len(r.allowedRoots) > 0 && !withinAllowedRoots(rootDirectory, r.allowedRoots) {
		return Project{}, apperrors.BadRequest(fmt.Sprintf("rootDirectory %q is outside the allowed project paths", rootDirectory))
	}

	p := Project{ID: id, Name: name, RootDirectory: rootDirectory, CreatedAt: time.Now().UTC()}
	r.projects = append(r.projects, p)
	if r.activeProjectID == nil {
		active := p.ID
		r.activeProjectID = &active
	}

	if err := r.persistLocked(); err != nil {
		return Project{}, err
	}
	return p, nil
}

// RemoveProject removes a project by id. If it was active, the next
// project by sort order becomes active, or the selection is cleared.
func (r *Registry) RemoveProject(id string) error {
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, p := range r.projects {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperrors.NotFound("project", id)
	}
	r.projects = append(r.projects[:idx], r.projects[idx+1:]...)

	if r.activeProjectID != nil && *r.activeProjectID == id {
		sorted := r.sortedLocked()
		if len(sorted) == 0 {
			r.activeProjectID = nil
		} else {
			next := sorted[0].ID
			r.activeProjectID = &next
		}
	}

	return r.persistLocked()
}

// ListProjects returns all projects sorted by createdAt then id.
func (r *Registry) ListProjects() ([]Project, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked(), nil
}

// SelectProject makes the given project id the active one.
func (r *Registry) SelectProject(id string) error {
	if err := r.ensureLoaded(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for _, p := range r.projects {
		if p.ID == id {
			found = true
			break
		}
	}
	if !found {
		return apperrors.NotFound("project", id)
	}
	active := id
	r.activeProjectID = &active
	return r.persistLocked()
}

// GetProject returns the project with the given id.
func (r *Registry) GetProject(id string) (Project, error) {
	if err := r.ensureLoaded(); err != nil {
		return Project{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return Project{}, apperrors.NotFound("project", id)
}

// GetActiveProjectID returns the currently active project id, if any.
func (r *Registry) GetActiveProjectID() (string, bool, error) {
	if err := r.ensureLoaded(); err != nil {
		return "", false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeProjectID == nil {
		return "", false, nil
	}
	return *r.activeProjectID, true, nil
}

// GetActiveProject returns the currently active project, if any.
func (r *Registry) GetActiveProject() (Project, bool, error) {
	id, ok, err := r.GetActiveProjectID()
	if err != nil || !ok {
		return Project{}, false, err
	}
	p, err := r.GetProject(id)
	if err != nil {
		return Project{}, false, err
	}
	return p, true, nil
}

func isVCSRoot(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func withinAllowedRoots(dir string, roots []string) bool {
	for _, root := range roots {
		root = filepath.Clean(root)
		if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
