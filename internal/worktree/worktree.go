// Package worktree implements the Worktree Manager: creation, merge, and
// removal of isolated on-disk working copies bound to a task-specific
// branch (spec.md §3, §4.6).
package worktree

import "time"

// ManagedWorktree is the Worktree Manager's record of an isolated
// checkout it created for a task.
type ManagedWorktree struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"taskId"`
	ProjectDirectory  string    `json:"projectDirectory"`
	WorktreeDirectory string    `json:"worktreeDirectory"`
	Branch            string    `json:"branch"`
	Name              string    `json:"name"`
	// DefaultBranch is the repository's HEAD branch captured at creation
	// time. Merge always targets this, never a branch guessed at merge
	// time (spec.md §9 open question, resolved in SPEC_FULL.md §4.6).
	DefaultBranch string    `json:"defaultBranch"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CleanupPolicy is "keep" or "remove": whether the worktree is preserved
// or erased on terminal transition.
type CleanupPolicy string

const (
	PolicyKeep   CleanupPolicy = "keep"
	PolicyRemove CleanupPolicy = "remove"
)

// CleanupResult reports what CleanupTaskWorktree actually did.
type CleanupResult struct {
	Policy            CleanupPolicy `json:"policy"`
	WorktreeDirectory string        `json:"worktreeDirectory"`
	Removed           bool          `json:"removed"`
}

// MergeResult reports the branch that was merged.
type MergeResult struct {
	Branch string `json:"branch"`
}
