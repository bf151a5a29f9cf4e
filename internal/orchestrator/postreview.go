package orchestrator

import (
	"context"
	"fmt"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/tracing"
	"github.com/taskforge/taskforge/internal/worktree"
)

// SendFollowUpPrompt requires a task in review; it moves the task back to
// running for the duration of the follow-up prompt/await protocol and
// returns it to review on success (spec.md §4.9).
func (o *Orchestrator) SendFollowUpPrompt(ctx context.Context, taskID, prompt string) (task.Task, error) {
	if err := o.ensureInitialized(); err != nil {
		return task.Task{}, err
	}
	t, err := o.requireTask(taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.State != task.StateReview {
		return task.Task{}, apperrors.Conflict(fmt.Sprintf("task %s is in state %s, not review", taskID, t.State))
	}
	if t.SessionID == "" {
		return task.Task{}, apperrors.Conflict(fmt.Sprintf("task %s has no session", taskID))
	}

	o.markRunning(taskID)
	defer o.clearRunning(taskID)

	t, err = o.transition(t, task.StateRunning)
	if err != nil {
		return task.Task{}, err
	}

	exec := TaskExecution{}
	if proj, projErr := o.resolveProject(t.ProjectID); projErr == nil {
		exec.Project = &proj
	}
	exec.Worktree = &worktree.ManagedWorktree{TaskID: t.TaskID, WorktreeDirectory: t.WorktreeDirectory}

	awaitCtx, awaitSpan := tracing.TracePromptAwait(ctx, t.TaskID, t.SessionID, true)
	_, err = o.deps.Conversations.SendFollowUpPromptAndAwaitMessages(awaitCtx, conversation.AwaitParams{
		SessionID: t.SessionID,
		Prompt:    prompt,
		OnMessage: func(msg ar.Message) {
			o.deps.Bus.Emit("task.session.message.received", MessageReceivedPayload{
				lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
				SessionID:        t.SessionID, Role: msg.Info.Role, MessageID: msg.Info.ID,
			})
		},
	})
	tracing.EndSpan(awaitSpan, err)
	if err != nil {
		failed := o.failTask(t.TaskID, fmt.Errorf("follow-up prompt: %w", err))
		cleaned := o.runCleanup(ctx, failed, &exec, o.deps.CleanupOnFailure)
		return cleaned, &TaskRunFailedError{Task: cleaned, Execution: exec, Err: err}
	}

	t, err = o.transition(t, task.StateReview)
	if err != nil {
		return task.Task{}, err
	}
	o.deps.Bus.Emit("task.review", ReviewPayload{lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID}})
	return t, nil
}

// MergeTask requires a task in review with a worktree; it merges the
// task's branch into the project's default branch, completes the task,
// and runs cleanup with the success policy.
func (o *Orchestrator) MergeTask(ctx context.Context, taskID string) (task.Task, error) {
	if err := o.ensureInitialized(); err != nil {
		return task.Task{}, err
	}
	t, err := o.requireTask(taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.State != task.StateReview {
		return task.Task{}, apperrors.Conflict(fmt.Sprintf("task %s is in state %s, not review", taskID, t.State))
	}
	if t.WorktreeDirectory == "" {
		return task.Task{}, apperrors.Conflict(fmt.Sprintf("task %s has no worktree", taskID))
	}

	proj, err := o.resolveProject(t.ProjectID)
	if err != nil {
		return task.Task{}, err
	}
	exec := TaskExecution{Project: &proj, Worktree: &worktree.ManagedWorktree{TaskID: t.TaskID, WorktreeDirectory: t.WorktreeDirectory}}

	mergeCtx, mergeSpan := tracing.TraceMerge(ctx, t.TaskID, t.WorktreeDirectory)
	result, err := o.deps.Worktrees.MergeTaskWorktree(mergeCtx, proj.RootDirectory, t.TaskID, t.WorktreeDirectory)
	tracing.EndSpan(mergeSpan, err)
	if err != nil {
		failed := o.failTask(t.TaskID, fmt.Errorf("merge: %w", err))
		cleaned := o.runCleanup(ctx, failed, &exec, o.deps.CleanupOnFailure)
		return cleaned, &TaskRunFailedError{Task: cleaned, Execution: exec, Err: err}
	}

	t, err = o.transition(t, task.StateCompleted)
	if err != nil {
		return task.Task{}, err
	}
	o.deps.Bus.Emit("task.merged", MergedPayload{lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID}, result.Branch})

	t = o.runCleanup(ctx, t, &exec, o.deps.CleanupOnSuccess)
	return t, nil
}

// CancelTask cancels a task mid-pipeline (creating_worktree or running):
// it best-effort aborts the AR session, then runs the same
// failure-and-cleanup path as any other pipeline error (spec.md §9 open
// question, resolved in SPEC_FULL.md §4.9: cancellation reuses the
// existing failed transition, no new state).
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (task.Task, error) {
	t, err := o.requireTask(taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.State != task.StateCreatingWorktree && t.State != task.StateRunning {
		return task.Task{}, apperrors.Conflict(fmt.Sprintf("task %s is in state %s, cannot be cancelled", taskID, t.State))
	}

	o.deps.Bus.Emit("task.cancelled", lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID})

	if t.SessionID != "" {
		if abortErr := o.deps.Conversations.AbortSession(ctx, t.SessionID); abortErr != nil {
			o.deps.Logger.WithTaskID(taskID).WithSource("task-orchestrator.cancel").WithError(abortErr).Warn("abort session failed")
		}
	}

	exec := TaskExecution{}
	if proj, projErr := o.resolveProject(t.ProjectID); projErr == nil {
		exec.Project = &proj
	}
	if t.WorktreeDirectory != "" {
		exec.Worktree = &worktree.ManagedWorktree{TaskID: t.TaskID, WorktreeDirectory: t.WorktreeDirectory}
	}

	failed := o.failTask(t.TaskID, fmt.Errorf("cancelled by user"))
	cleaned := o.runCleanup(ctx, failed, &exec, o.deps.CleanupOnFailure)
	return cleaned, nil
}

// DeleteTask rejects deletion of a running task; a queued task's pending
// RunTask caller is rejected with "deleted before execution"; a
// terminated task with a worktree is force-removed. Returns whether a
// task was found at all.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	o.mu.Lock()
	if _, running := o.running[taskID]; running {
		o.mu.Unlock()
		return false, apperrors.Conflict(fmt.Sprintf("task %s is currently running and cannot be deleted", taskID))
	}
	if run, queued := o.pending[taskID]; queued {
		o.queue.remove(taskID)
		delete(o.pending, taskID)
		delete(o.inputs, taskID)
		o.mu.Unlock()
		run.done <- runOutcome{err: fmt.Errorf("deleted before execution")}
	} else {
		o.mu.Unlock()
	}

	t, found, err := o.deps.Tasks.Get(taskID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if t.WorktreeDirectory != "" {
		if proj, projErr := o.resolveProject(t.ProjectID); projErr == nil {
			if _, cleanupErr := o.deps.Worktrees.CleanupTaskWorktree(ctx, t.TaskID, proj.RootDirectory, t.WorktreeDirectory, worktree.PolicyRemove); cleanupErr != nil {
				o.deps.Logger.WithTaskID(taskID).WithSource("task-orchestrator.delete").WithError(cleanupErr).Warn("force worktree removal failed")
			}
		}
	}

	if err := o.deps.Tasks.Remove(taskID); err != nil {
		return false, err
	}

	o.mu.Lock()
	delete(o.running, taskID)
	delete(o.pending, taskID)
	delete(o.inputs, taskID)
	o.queue.remove(taskID)
	o.mu.Unlock()

	return true, nil
}

// markRunning/clearRunning let post-review operations (follow-up) occupy
// a concurrency slot the same way a freshly dequeued task does, and
// re-trigger scheduling once the slot frees up.
func (o *Orchestrator) markRunning(taskID string) {
	o.mu.Lock()
	o.running[taskID] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) clearRunning(taskID string) {
	o.mu.Lock()
	delete(o.running, taskID)
	o.mu.Unlock()
	o.schedule()
}
