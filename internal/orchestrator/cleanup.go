package orchestrator

import (
	"context"
	"fmt"

	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/tracing"
	"github.com/taskforge/taskforge/internal/worktree"
)

// runCleanup is invoked after a task reaches completed or failed. If no
// worktree was ever created the task is returned unchanged; otherwise it
// transitions through cleaning and on to the appropriate final state
// (spec.md §4.9's cleanup subroutine).
func (o *Orchestrator) runCleanup(ctx context.Context, t task.Task, exec *TaskExecution, policy worktree.CleanupPolicy) task.Task {
	if exec.Worktree == nil {
		return t
	}

	priorError := t.Error
	if t.State != task.StateCleaning {
		var err error
		t, err = o.transition(t, task.StateCleaning)
		if err != nil {
			o.deps.Logger.WithTaskID(t.TaskID).WithSource("task-orchestrator.cleanup").WithError(err).Error("cleanup transition failed")
			return t
		}
	}

	cleanupCtx, cleanupSpan := tracing.TraceCleanup(ctx, t.TaskID, string(policy))
	result, err := o.deps.Worktrees.CleanupTaskWorktree(cleanupCtx, t.TaskID, exec.Project.RootDirectory, exec.Worktree.WorktreeDirectory, policy)
	tracing.EndSpan(cleanupSpan, err)
	if err != nil {
		o.deps.Logger.WithTaskID(t.TaskID).WithSource("task-orchestrator.cleanup").WithError(err).Error("worktree cleanup failed")
		t.Error = cleanupFailedMessage(priorError, err)
		t, _ = o.transition(t, task.StateFailed)
		return t
	}

	exec.Cleanup = &result
	final := task.StateCompleted
	if priorError != "" {
		final = task.StateFailed
		t.Error = priorError
	}
	t, _ = o.transition(t, final)

	o.deps.Bus.Emit("task.cleanup.completed", CleanupCompletedPayload{
		lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
		Policy:           string(policy), WorktreeDirectory: result.WorktreeDirectory, Removed: result.Removed,
	})
	return t
}

func cleanupFailedMessage(priorError string, cleanupErr error) string {
	if priorError == "" {
		return fmt.Sprintf("Cleanup failed: %s", cleanupErr)
	}
	return fmt.Sprintf("%s Cleanup failed: %s", priorError, cleanupErr)
}
