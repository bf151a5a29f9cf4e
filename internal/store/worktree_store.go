package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskforge/taskforge/internal/worktree"
)

type worktreeRow struct {
	ID                string    `db:"id"`
	TaskID            string    `db:"task_id"`
	ProjectDirectory  string    `db:"project_directory"`
	WorktreeDirectory string    `db:"worktree_directory"`
	Branch            string    `db:"branch"`
	Name              string    `db:"name"`
	DefaultBranch     string    `db:"default_branch"`
	CreatedAt         sql.NullTime `db:"created_at"`
}

// WorktreeStore exposes the store as a worktree.Store.
type WorktreeStore struct{ s *Store }

// Worktrees returns a worktree.Store view onto this Store.
func (s *Store) Worktrees() *WorktreeStore { return &WorktreeStore{s: s} }

// Save upserts a managed worktree record.
func (ws *WorktreeStore) Save(ctx context.Context, w worktree.ManagedWorktree) error {
	_, err := ws.s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, task_id, project_directory, worktree_directory, branch, name, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			id = excluded.id,
			project_directory = excluded.project_directory,
			worktree_directory = excluded.worktree_directory,
			branch = excluded.branch,
			name = excluded.name,
			default_branch = excluded.default_branch
	`, w.ID, w.TaskID, w.ProjectDirectory, w.WorktreeDirectory, w.Branch, w.Name, w.DefaultBranch, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("worktree store: save: %w", err)
	}
	return nil
}

// GetByTaskID returns the worktree recorded for taskID, if any.
func (ws *WorktreeStore) GetByTaskID(ctx context.Context, taskID string) (worktree.ManagedWorktree, bool, error) {
	var row worktreeRow
	err := ws.s.db.GetContext(ctx, &row, `
		SELECT id, task_id, project_directory, worktree_directory, branch, name, default_branch, created_at
		FROM worktrees WHERE task_id = ?
	`, taskID)
	if isNoRows(err) {
		return worktree.ManagedWorktree{}, false, nil
	}
	if err != nil {
		return worktree.ManagedWorktree{}, false, fmt.Errorf("worktree store: get: %w", err)
	}
	return worktree.ManagedWorktree{
		ID:                row.ID,
		TaskID:            row.TaskID,
		ProjectDirectory:  row.ProjectDirectory,
		WorktreeDirectory: row.WorktreeDirectory,
		Branch:            row.Branch,
		Name:              row.Name,
		DefaultBranch:     row.DefaultBranch,
		CreatedAt:         row.CreatedAt.Time,
	}, true, nil
}

// Delete removes the worktree record for taskID.
func (ws *WorktreeStore) Delete(ctx context.Context, taskID string) error {
	_, err := ws.s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("worktree store: delete: %w", err)
	}
	return nil
}
