package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/logging"
)

var (
	// ErrRepoNotGit is returned when the project directory is not a git
	// repository.
	ErrRepoNotGit = errors.New("project directory is not a git repository")
	// ErrWorktreeNotFound is returned when no worktree is on record for a
	// task.
	ErrWorktreeNotFound = errors.New("worktree not found")
)

const (
	gitFetchTimeout = 8 * time.Second
	gitPullTimeout  = 8 * time.Second
)

type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager handles git worktree operations for concurrent task execution.
type Manager struct {
	basePath string
	store    Store
	logger   *logging.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*repoLockEntry
}

// NewManager constructs a Manager that creates worktrees under basePath
// and persists their metadata to store.
func NewManager(basePath string, store Store, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("worktree manager: create base dir: %w", err)
	}
	return &Manager{
		basePath:  basePath,
		store:     store,
		logger:    logger.WithSource("worktree-manager"),
		repoLocks: make(map[string]*repoLockEntry),
	}, nil
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if entry, ok := m.repoLocks[repoPath]; ok {
		entry.refCount++
		return entry.mu
	}
	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	entry, ok := m.repoLocks[repoPath]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
	}
}

// CreateTaskWorktree creates an isolated checkout of projectDirectory for
// taskID. The worktree directory is deterministic from taskID and the
// creation timestamp; the branch name is deterministic from taskID alone.
func (m *Manager) CreateTaskWorktree(ctx context.Context, projectDirectory, taskID string) (ManagedWorktree, error) {
	if !isGitRepo(projectDirectory) {
		return ManagedWorktree{}, ErrRepoNotGit
	}

	repoLock := m.getRepoLock(projectDirectory)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(projectDirectory)
	}()

	defaultBranch := m.currentBranch(projectDirectory)
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	baseRef := m.pullBaseBranch(projectDirectory, defaultBranch)

	now := time.Now().UTC()
	dirName := fmt.Sprintf("%s_%d", sanitizeName(taskID), now.UnixNano())
	branchName := "taskforge/" + sanitizeName(taskID)
	worktreePath := filepath.Join(m.basePath, dirName)

	cmd := m.newNonInteractiveGitCmd(ctx, projectDirectory, "worktree", "add", "-b", branchName, worktreePath, baseRef)
	if output, err := cmd.CombinedOutput(); err != nil {
		return ManagedWorktree{}, fmt.Errorf("git worktree add failed: %w: %s", err, output)
	}

	w := ManagedWorktree{
		ID:                dirName,
		TaskID:            taskID,
		ProjectDirectory:  projectDirectory,
		WorktreeDirectory: worktreePath,
		Branch:            branchName,
		Name:              dirName,
		DefaultBranch:     defaultBranch,
		CreatedAt:         now,
	}

	if m.store != nil {
		if err := m.store.Save(ctx, w); err != nil {
			_ = m.removeWorktreeDir(ctx, worktreePath, projectDirectory)
			return ManagedWorktree{}, fmt.Errorf("persist worktree: %w", err)
		}
	}

	m.logger.Info("created worktree", zap.String("task_id", taskID), zap.String("path", worktreePath), zap.String("branch", branchName))
	return w, nil
}

// CleanupTaskWorktree removes (policy=remove) or retains (policy=keep) a
// task's worktree directory and branch.
func (m *Manager) CleanupTaskWorktree(ctx context.Context, taskID, projectDirectory, worktreeDirectory string, policy CleanupPolicy) (CleanupResult, error) {
	if policy == PolicyKeep {
		return CleanupResult{Policy: policy, WorktreeDirectory: worktreeDirectory, Removed: false}, nil
	}

	w, found, err := m.lookup(ctx, taskID, worktreeDirectory)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup failed: %w", err)
	}

	repoPath := projectDirectory
	if found {
		repoPath = w.ProjectDirectory
	}

	repoLock := m.getRepoLock(repoPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(repoPath)
	}()

	if err := m.removeWorktreeDir(ctx, worktreeDirectory, repoPath); err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup failed: %w", err)
	}

	if found && w.Branch != "" {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", w.Branch)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to delete branch after worktree removal",
				zap.String("branch", w.Branch), zap.String("output", string(output)), zap.Error(err))
		}
	}

	if m.store != nil {
		if err := m.store.Delete(ctx, taskID); err != nil {
			m.logger.Warn("failed to delete worktree record", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	m.logger.Info("removed worktree", zap.String("task_id", taskID), zap.String("path", worktreeDirectory))
	return CleanupResult{Policy: policy, WorktreeDirectory: worktreeDirectory, Removed: true}, nil
}

// MergeTaskWorktree fast-forwards or merges the task's branch back into
// the project's default branch (captured at worktree-creation time).
func (m *Manager) MergeTaskWorktree(ctx context.Context, projectDirectory, taskID, worktreeDirectory string) (MergeResult, error) {
	w, found, err := m.lookup(ctx, taskID, worktreeDirectory)
	if err != nil || !found {
		return MergeResult{}, fmt.Errorf("merge failed: worktree metadata for task %s not found", taskID)
	}

	repoLock := m.getRepoLock(w.ProjectDirectory)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(w.ProjectDirectory)
	}()

	checkout := exec.CommandContext(ctx, "git", "checkout", w.DefaultBranch)
	checkout.Dir = w.ProjectDirectory
	if output, err := checkout.CombinedOutput(); err != nil {
		return MergeResult{}, fmt.Errorf("merge failed: checkout %s: %w: %s", w.DefaultBranch, err, output)
	}

	merge := exec.CommandContext(ctx, "git", "merge", "--no-edit", w.Branch)
	merge.Dir = w.ProjectDirectory
	if output, err := merge.CombinedOutput(); err != nil {
		_ = exec.CommandContext(ctx, "git", "merge", "--abort").Run()
		return MergeResult{}, fmt.Errorf("merge failed: conflict merging %s into %s: %w: %s", w.Branch, w.DefaultBranch, err, output)
	}

	m.logger.Info("merged task branch", zap.String("task_id", taskID), zap.String("branch", w.Branch), zap.String("into", w.DefaultBranch))
	return MergeResult{Branch: w.Branch}, nil
}

// GetTaskWorktreeDirectory returns the worktree directory recorded for
// taskID, if one exists.
func (m *Manager) GetTaskWorktreeDirectory(ctx context.Context, taskID string) (string, bool, error) {
	if m.store == nil {
		return "", false, nil
	}
	w, found, err := m.store.GetByTaskID(ctx, taskID)
	if err != nil || !found {
		return "", false, err
	}
	return w.WorktreeDirectory, true, nil
}

func (m *Manager) lookup(ctx context.Context, taskID, worktreeDirectory string) (ManagedWorktree, bool, error) {
	if m.store == nil {
		return ManagedWorktree{}, false, nil
	}
	return m.store.GetByTaskID(ctx, taskID)
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func (m *Manager) currentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func (m *Manager) newNonInteractiveGitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

// pullBaseBranch best-effort fetches origin before a worktree is created
// from baseBranch. It returns the local ref when the fetch fails or the
// fast-forward pull succeeds, and "origin/<baseBranch>" when the fetch
// succeeds but the pull does not.
func (m *Manager) pullBaseBranch(repoPath, baseBranch string) string {
	fetchCtx, cancel := context.WithTimeout(context.Background(), gitFetchTimeout)
	defer cancel()

	fetchCmd := m.newNonInteractiveGitCmd(fetchCtx, repoPath, "fetch", "origin", baseBranch)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		m.logger.Warn("git fetch failed before worktree creation; using local ref",
			zap.String("branch", baseBranch), zap.String("output", string(output)), zap.Error(err))
		return baseBranch
	}

	pullCtx, cancelPull := context.WithTimeout(context.Background(), gitPullTimeout)
	defer cancelPull()
	pullCmd := m.newNonInteractiveGitCmd(pullCtx, repoPath, "pull", "--ff-only", "origin", baseBranch)
	if output, err := pullCmd.CombinedOutput(); err != nil {
		m.logger.Warn("git pull --ff-only failed before worktree creation; using origin ref",
			zap.String("branch", baseBranch), zap.String("output", string(output)), zap.Error(err))
		return "origin/" + baseBranch
	}
	return baseBranch
}

func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm", zap.String("output", string(output)), zap.Error(err))
		if err := m.forceRemoveDir(ctx, worktreePath); err != nil {
			return err
		}
		prune := exec.CommandContext(ctx, "git", "worktree", "prune")
		prune.Dir = repoPath
		_ = prune.Run()
	}
	return nil
}

// forceRemoveDir retries os.RemoveAll before falling back to "rm -rf",
// which handles transient "directory not empty" races better than the
// stdlib implementation on some platforms.
func (m *Manager) forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := os.RemoveAll(dir); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}

	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rm -rf failed after os.RemoveAll retries (%v): %w (output: %s)", lastErr, err, output)
	}
	return nil
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

func sanitizeName(s string) string {
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "task-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
