package orchestrator

import (
	"fmt"
	"time"

	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worktree"
)

// RunTaskInput are the normalized inputs to RunTask.
type RunTaskInput struct {
	TaskID        string
	ProjectID     string // optional; falls back to the active project
	InitialPrompt string
	Agent         string
	Model         *ar.ModelRef
	CreatedAt     time.Time // zero means time.Now()
}

// TaskExecution is the explicit record of what a pipeline run actually
// produced, threaded through the pipeline instead of captured in
// closures, so a failure at any step still reports what came before it
// (spec.md §9's TaskExecution redesign note).
type TaskExecution struct {
	Project          *project.Project
	Worktree         *worktree.ManagedWorktree
	Session          *conversation.Session
	PromptSubmission *conversation.PromptSubmission
	Cleanup          *worktree.CleanupResult
}

// RunTaskResult is returned by RunTask on success.
type RunTaskResult struct {
	Task      task.Task
	Execution TaskExecution
}

// TaskRunFailedError is returned when a pipeline fails anywhere short of
// review/completed; it carries whatever the pipeline built before the
// failure.
type TaskRunFailedError struct {
	Task      task.Task
	Execution TaskExecution
	Err       error
}

func (e *TaskRunFailedError) Error() string {
	return fmt.Sprintf("task %s run failed: %s", e.Task.TaskID, e.Err)
}

func (e *TaskRunFailedError) Unwrap() error { return e.Err }
