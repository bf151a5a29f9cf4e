package worktree

import "context"

// Store persists ManagedWorktree records independent of in-memory state,
// so GetTaskWorktreeDirectory survives a process restart. Concrete
// implementations live in internal/store (sqlite/postgres).
type Store interface {
	Save(ctx context.Context, w ManagedWorktree) error
	GetByTaskID(ctx context.Context, taskID string) (ManagedWorktree, bool, error)
	Delete(ctx context.Context, taskID string) error
}
