// Package orchestrator drives the task state machine: admission,
// bounded-concurrency scheduling, the per-task execution pipeline, and
// the post-review operations (follow-up prompts, merge, delete, cancel).
//
// It is the one non-trivial per-process singleton the rest of the system
// depends on (spec.md §9) — everything it touches (registries, worktree
// manager, conversation manager, event bus) is an explicit constructor
// dependency, never a package-level global.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worktree"
	"go.uber.org/zap"
)

// Dependencies are the orchestrator's explicit collaborators.
type Dependencies struct {
	Tasks            *task.Registry
	Projects         *project.Registry
	Worktrees        *worktree.Manager
	Conversations    ConversationManager
	Bus              *eventbus.Bus
	Logger           *logging.Logger
	MaxConcurrent    int
	CleanupOnSuccess worktree.CleanupPolicy
	CleanupOnFailure worktree.CleanupPolicy
}

// pendingRun tracks one in-flight RunTask call awaiting its pipeline's
// outcome.
type pendingRun struct {
	done chan runOutcome
}

type runOutcome struct {
	result RunTaskResult
	err    error
}

// Orchestrator is the process-wide task state machine and scheduler.
type Orchestrator struct {
	deps Dependencies

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	queue   *fifoQueue
	running map[string]struct{}
	pending map[string]*pendingRun
	inputs  map[string]RunTaskInput

	subMu     sync.Mutex
	subs      map[uint64]func(task.Task)
	nextSubID uint64
}

// New builds an Orchestrator. MaxConcurrent defaults to 2 if <= 0.
func New(deps Dependencies) *Orchestrator {
	if deps.MaxConcurrent <= 0 {
		deps.MaxConcurrent = 2
	}
	if deps.CleanupOnSuccess == "" {
		deps.CleanupOnSuccess = worktree.PolicyKeep
	}
	if deps.CleanupOnFailure == "" {
		deps.CleanupOnFailure = worktree.PolicyKeep
	}
	return &Orchestrator{
		deps:    deps,
		queue:   newFIFOQueue(),
		running: make(map[string]struct{}),
		pending: make(map[string]*pendingRun),
		inputs:  make(map[string]RunTaskInput),
		subs:    make(map[uint64]func(task.Task)),
	}
}

// ensureInitialized loads persisted tasks on first use. Registry loads
// are themselves idempotent (sync.Once-guarded), so this just forces
// that load to have happened before the orchestrator touches state.
func (o *Orchestrator) ensureInitialized() error {
	o.initOnce.Do(func() {
		if _, err := o.deps.Tasks.List(); err != nil {
			o.initErr = fmt.Errorf("orchestrator: init: %w", err)
		}
	})
	return o.initErr
}

// Subscribe registers listener for every state transition. It returns an
// idempotent disposer. Listener panics are caught and logged; they never
// prevent delivery to other listeners.
func (o *Orchestrator) Subscribe(listener func(task.Task)) func() {
	o.subMu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = listener
	o.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
		})
	}
}

func (o *Orchestrator) notifySubscribers(t task.Task) {
	o.subMu.Lock()
	listeners := make([]func(task.Task), 0, len(o.subs))
	for _, fn := range o.subs {
		listeners = append(listeners, fn)
	}
	o.subMu.Unlock()

	for _, fn := range listeners {
		o.safeInvoke(fn, t)
	}
}

func (o *Orchestrator) safeInvoke(fn func(task.Task), t task.Task) {
	defer func() {
		if r := recover(); r != nil {
			o.deps.Logger.WithFields(zap.Any("panic", r)).Error("orchestrator subscriber panicked")
		}
	}()
	fn(t)
}

// RunTask admits a new task, enqueues it, and blocks until its pipeline
// reaches review (success) or fails.
func (o *Orchestrator) RunTask(ctx context.Context, input RunTaskInput) (RunTaskResult, error) {
	if err := o.ensureInitialized(); err != nil {
		return RunTaskResult{}, err
	}

	taskID := strings.TrimSpace(input.TaskID)
	prompt := strings.TrimSpace(input.InitialPrompt)
	if taskID == "" {
		return RunTaskResult{}, apperrors.BadRequest("taskId is required")
	}
	if prompt == "" {
		return RunTaskResult{}, apperrors.BadRequest("initialPrompt is required")
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	o.mu.Lock()
	if _, exists := o.pending[taskID]; exists {
		o.mu.Unlock()
		return RunTaskResult{}, apperrors.Conflict(fmt.Sprintf("task %s is already queued or running", taskID))
	}
	if _, running := o.running[taskID]; running {
		o.mu.Unlock()
		return RunTaskResult{}, apperrors.Conflict(fmt.Sprintf("task %s is already queued or running", taskID))
	}
	o.mu.Unlock()

	record := task.Task{
		TaskID:    taskID,
		ProjectID: input.ProjectID,
		State:     task.StateQueued,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := o.deps.Tasks.Upsert(record); err != nil {
		return RunTaskResult{}, fmt.Errorf("orchestrator: persist queued task: %w", err)
	}

	o.deps.Bus.Emit("task.enqueued", TaskEnqueuedPayload{lifecyclePayload{TaskID: taskID, ProjectID: input.ProjectID}})

	run := &pendingRun{done: make(chan runOutcome, 1)}

	o.mu.Lock()
	o.pending[taskID] = run
	o.queue.push(taskID)
	o.mu.Unlock()

	o.pipelineInputs(taskID, input, prompt)
	o.schedule()

	select {
	case outcome := <-run.done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return RunTaskResult{}, ctx.Err()
	}
}

// pipelineInputs stashes the per-task inputs schedule() needs when it
// eventually dequeues this task. Kept in a small side table rather than
// on Task itself, since agent/model selection isn't part of the
// persisted task record.
func (o *Orchestrator) pipelineInputs(taskID string, input RunTaskInput, prompt string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inputs == nil {
		o.inputs = make(map[string]RunTaskInput)
	}
	input.InitialPrompt = prompt
	o.inputs[taskID] = input
}

// schedule runs greedily after every enqueue and every completion: while
// running < maxConcurrent and the queue is non-empty, dequeue and begin
// execution (spec.md §4.9). This departs from the teacher's
// ticker-driven scheduler.processLoop on purpose — admission here is
// event-driven, not polled.
func (o *Orchestrator) schedule() {
	for {
		o.mu.Lock()
		if len(o.running) >= o.deps.MaxConcurrent {
			o.mu.Unlock()
			return
		}
		taskID, ok := o.queue.pop()
		if !ok {
			o.mu.Unlock()
			return
		}
		input := o.inputs[taskID]
		o.running[taskID] = struct{}{}
		o.mu.Unlock()

		go o.runPipeline(taskID, input)
	}
}

func (o *Orchestrator) finishRun(taskID string, result RunTaskResult, err error) {
	o.mu.Lock()
	run := o.pending[taskID]
	delete(o.pending, taskID)
	delete(o.running, taskID)
	delete(o.inputs, taskID)
	o.mu.Unlock()

	if run != nil {
		run.done <- runOutcome{result: result, err: err}
	}
	o.schedule()
}
