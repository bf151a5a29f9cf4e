package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/tracing"
)

// runPipeline executes the eight-step pipeline for one dequeued task
// (spec.md §4.9). It always ends by calling finishRun, which notifies the
// waiting RunTask caller and re-triggers scheduling.
func (o *Orchestrator) runPipeline(taskID string, input RunTaskInput) {
	ctx, span := tracing.TraceTaskRun(context.Background(), taskID, input.ProjectID, input.Agent)
	exec := TaskExecution{}

	t, err := o.requireTask(taskID)
	if err != nil {
		tracing.EndSpan(span, err)
		o.finishRun(taskID, RunTaskResult{}, err)
		return
	}

	result, execOut, runErr := o.execute(ctx, t, input, &exec)
	tracing.EndSpan(span, runErr)
	if runErr != nil {
		failed := o.failTask(t.TaskID, runErr)
		cleaned := o.runCleanup(ctx, failed, &execOut, o.deps.CleanupOnFailure)
		o.finishRun(taskID, RunTaskResult{}, &TaskRunFailedError{Task: cleaned, Execution: execOut, Err: runErr})
		return
	}

	o.finishRun(taskID, result, nil)
}

// execute runs steps 1-8, threading state through exec and returning the
// review-state task record on success.
func (o *Orchestrator) execute(ctx context.Context, t task.Task, input RunTaskInput, exec *TaskExecution) (RunTaskResult, TaskExecution, error) {
	// Step 1: resolve project.
	proj, err := o.resolveProject(input.ProjectID)
	if err != nil {
		return RunTaskResult{}, *exec, fmt.Errorf("resolve project: %w", err)
	}
	exec.Project = &proj

	// Step 2: patch task's projectId.
	t.ProjectID = proj.ID
	t.UpdatedAt = time.Now()
	if err := o.persist(t); err != nil {
		return RunTaskResult{}, *exec, err
	}

	// Step 3: transition queued -> creating_worktree.
	t, err = o.transition(t, task.StateCreatingWorktree)
	if err != nil {
		return RunTaskResult{}, *exec, err
	}

	// Step 4: create worktree.
	wtCtx, wtSpan := tracing.TraceWorktreeCreate(ctx, t.TaskID, proj.RootDirectory)
	mw, err := o.deps.Worktrees.CreateTaskWorktree(wtCtx, proj.RootDirectory, t.TaskID)
	tracing.EndSpan(wtSpan, err)
	if err != nil {
		return RunTaskResult{}, *exec, fmt.Errorf("create worktree: %w", err)
	}
	exec.Worktree = &mw
	t.WorktreeDirectory = mw.WorktreeDirectory
	t.UpdatedAt = time.Now()
	if err := o.persist(t); err != nil {
		return RunTaskResult{}, *exec, err
	}
	o.deps.Bus.Emit("task.worktree.created", WorktreeCreatedPayload{
		lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
		WorktreeDirectory: mw.WorktreeDirectory, Branch: mw.Branch,
	})

	// Step 5: create session.
	sessCtx, sessSpan := tracing.TraceSessionCreate(ctx, t.TaskID, input.Agent)
	sess, err := o.deps.Conversations.CreateTaskSession(sessCtx, conversation.CreateParams{
		ProjectID: proj.ID, TaskID: t.TaskID, ProjectDirectory: proj.RootDirectory,
		WorktreeDirectory: mw.WorktreeDirectory,
	})
	tracing.EndSpan(sessSpan, err)
	if err != nil {
		return RunTaskResult{}, *exec, fmt.Errorf("create session: %w", err)
	}
	exec.Session = &sess
	o.deps.Bus.Emit("task.session.created", SessionCreatedPayload{
		lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
		SessionID:        sess.SessionID,
	})

	// Step 6: transition creating_worktree -> running, set sessionID.
	t.SessionID = sess.SessionID
	t, err = o.transition(t, task.StateRunning)
	if err != nil {
		return RunTaskResult{}, *exec, err
	}

	// Step 7: send initial prompt and await messages.
	awaitCtx, awaitSpan := tracing.TracePromptAwait(ctx, t.TaskID, sess.SessionID, false)
	awaitResult, err := o.deps.Conversations.SendInitialPromptAndAwaitMessages(awaitCtx, conversation.AwaitParams{
		SessionID: sess.SessionID,
		Prompt:    input.InitialPrompt,
		Agent:     input.Agent,
		Model:     input.Model,
		OnMessage: func(msg ar.Message) {
			o.deps.Bus.Emit("task.session.message.received", MessageReceivedPayload{
				lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
				SessionID:        sess.SessionID,
				Role:             msg.Info.Role,
				MessageID:        msg.Info.ID,
			})
		},
	})
	tracing.EndSpan(awaitSpan, err)
	if err != nil {
		return RunTaskResult{}, *exec, fmt.Errorf("send initial prompt: %w", err)
	}
	exec.PromptSubmission = &awaitResult.Submission
	o.deps.Bus.Emit("task.prompt.submitted", PromptSubmittedPayload{
		lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
		SessionID:        sess.SessionID,
	})

	// Step 8: transition running -> review.
	t, err = o.transition(t, task.StateReview)
	if err != nil {
		return RunTaskResult{}, *exec, err
	}
	o.deps.Bus.Emit("task.review", ReviewPayload{lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID}})

	return RunTaskResult{Task: t, Execution: *exec}, *exec, nil
}

func (o *Orchestrator) resolveProject(projectID string) (project.Project, error) {
	if projectID != "" {
		return o.deps.Projects.GetProject(projectID)
	}
	p, found, err := o.deps.Projects.GetActiveProject()
	if err != nil {
		return project.Project{}, err
	}
	if !found {
		return project.Project{}, apperrors.BadRequest("no active project and no projectId supplied")
	}
	return p, nil
}

func (o *Orchestrator) requireTask(taskID string) (task.Task, error) {
	t, found, err := o.deps.Tasks.Get(taskID)
	if err != nil {
		return task.Task{}, err
	}
	if !found {
		return task.Task{}, apperrors.NotFound("task", taskID)
	}
	return t, nil
}

func (o *Orchestrator) persist(t task.Task) error {
	if err := o.deps.Tasks.Upsert(t); err != nil {
		o.deps.Logger.WithTaskID(t.TaskID).WithError(err).Warn("failed to persist task")
	}
	return nil
}

// transition validates and applies a state transition, persists it,
// notifies subscribers, and emits task.state.changed. It never fails the
// pipeline on a persistence error (per spec.md §4.9: "failures to
// persist are logged but do not throw").
func (o *Orchestrator) transition(t task.Task, next task.State) (task.Task, error) {
	if !task.CanTransition(t.State, next) {
		return t, fmt.Errorf("invalid transition %s -> %s", t.State, next)
	}
	t.State = next
	t.UpdatedAt = time.Now()
	if err := task.ValidateInvariants(t); err != nil {
		return t, fmt.Errorf("invariant violation on transition to %s: %w", next, err)
	}
	_ = o.persist(t)
	o.deps.Bus.Emit("task.state.changed", StateChangedPayload{
		lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
		Task:             t,
	})
	o.notifySubscribers(t)
	return t, nil
}

// failTask logs the failure at source task-orchestrator.execute,
// transitions the task to failed (overwriting any prior error), and
// returns the updated record.
func (o *Orchestrator) failTask(taskID string, cause error) task.Task {
	t, found, err := o.deps.Tasks.Get(taskID)
	if err != nil || !found {
		t = task.Task{TaskID: taskID, State: task.StateFailed, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	}
	o.deps.Logger.WithTaskID(taskID).WithSource("task-orchestrator.execute").WithError(cause).Error("task execution failed")

	t.Error = cause.Error()
	t.State = task.StateFailed
	t.UpdatedAt = time.Now()
	_ = o.persist(t)
	o.deps.Bus.Emit("task.state.changed", StateChangedPayload{
		lifecyclePayload: lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID},
		Task:             t,
	})
	o.deps.Bus.Emit("task.failed", FailedPayload{lifecyclePayload{TaskID: t.TaskID, ProjectID: t.ProjectID}, t.Error})
	o.notifySubscribers(t)
	return t
}
