package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/conversation"
	"github.com/taskforge/taskforge/internal/eventbus"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/task"
	"github.com/taskforge/taskforge/internal/worktree"
)

// fakeConversations is a hand-written ConversationManager double: the
// orchestrator depends on the narrow interface, not *conversation.Manager,
// specifically so tests can swap this in.
type fakeConversations struct {
	mu sync.Mutex

	createErr    error
	sessionCount int

	awaitErr   error
	abortErr   error
	abortCalls int
}

func (f *fakeConversations) CreateTaskSession(ctx context.Context, p conversation.CreateParams) (conversation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return conversation.Session{}, f.createErr
	}
	f.sessionCount++
	return conversation.Session{SessionID: "sess-1", TaskID: p.TaskID, WorktreeDirectory: p.WorktreeDirectory}, nil
}

func (f *fakeConversations) SendInitialPromptAndAwaitMessages(ctx context.Context, p conversation.AwaitParams) (conversation.AwaitResult, error) {
	if f.awaitErr != nil {
		return conversation.AwaitResult{}, f.awaitErr
	}
	if p.OnMessage != nil {
		p.OnMessage(ar.Message{Info: ar.MessageInfo{ID: "m1", Role: "assistant"}})
	}
	return conversation.AwaitResult{
		Submission:  conversation.PromptSubmission{SessionID: p.SessionID, Prompt: p.Prompt, SubmittedAt: time.Now()},
		SDKMessages: []ar.Message{{Info: ar.MessageInfo{ID: "m1", Role: "assistant"}}},
	}, nil
}

func (f *fakeConversations) SendFollowUpPromptAndAwaitMessages(ctx context.Context, p conversation.AwaitParams) (conversation.AwaitResult, error) {
	return f.SendInitialPromptAndAwaitMessages(ctx, p)
}

func (f *fakeConversations) AbortSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return f.abortErr
}

// memWorktreeStore is a minimal in-memory worktree.Store so the test
// harness's worktree manager can look up records for merge/cleanup without
// a real database.
type memWorktreeStore struct {
	mu   sync.Mutex
	byID map[string]worktree.ManagedWorktree
}

func newMemWorktreeStore() *memWorktreeStore {
	return &memWorktreeStore{byID: make(map[string]worktree.ManagedWorktree)}
}

func (s *memWorktreeStore) Save(ctx context.Context, w worktree.ManagedWorktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[w.TaskID] = w
	return nil
}

func (s *memWorktreeStore) GetByTaskID(ctx context.Context, taskID string) (worktree.ManagedWorktree, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[taskID]
	return w, ok, nil
}

func (s *memWorktreeStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, taskID)
	return nil
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v: %s", args, err, out)
	}
}

// newTestRepo creates a git repository with one commit on "main" and
// returns its directory.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

// testHarness wires a real task/project registry and a real,
// git-backed worktree manager (in-memory metadata store) together with a
// fake conversation manager, so RunTask exercises the full pipeline short
// of actually talking to an AR.
type testHarness struct {
	orch          *Orchestrator
	conversations *fakeConversations
	projectRoot   string
	project       project.Project
}

func newTestHarness(t *testing.T, maxConcurrent int) *testHarness {
	t.Helper()
	dir := t.TempDir()

	tasks := task.NewRegistry(filepath.Join(dir, "tasks.json"), nil)
	projects := project.NewRegistry(filepath.Join(dir, "projects.json"), nil, nil)
	wtManager, err := worktree.NewManager(filepath.Join(dir, "worktrees"), newMemWorktreeStore(), logging.Noop())
	if err != nil {
		t.Fatalf("worktree.NewManager failed: %v", err)
	}

	repo := newTestRepo(t)
	proj, err := projects.AddProject("proj-1", "proj-1", repo)
	if err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}

	conversations := &fakeConversations{}
	bus := eventbus.New(logging.Noop())

	orch := New(Dependencies{
		Tasks:            tasks,
		Projects:         projects,
		Worktrees:        wtManager,
		Conversations:    conversations,
		Bus:              bus,
		Logger:           logging.Noop(),
		MaxConcurrent:    maxConcurrent,
		CleanupOnSuccess: worktree.PolicyKeep,
		CleanupOnFailure: worktree.PolicyKeep,
	})

	return &testHarness{orch: orch, conversations: conversations, projectRoot: repo, project: proj}
}

func TestRunTaskHappyPathReachesReview(t *testing.T) {
	h := newTestHarness(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.orch.RunTask(ctx, RunTaskInput{
		TaskID: "task-1", ProjectID: "proj-1", InitialPrompt: "do the thing", Agent: "claude",
	})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if result.Task.State != task.StateReview {
		t.Errorf("final state = %s, want %s", result.Task.State, task.StateReview)
	}
	if result.Execution.Worktree == nil {
		t.Error("expected a worktree to have been created")
	}
	if result.Execution.Session == nil || result.Execution.Session.SessionID != "sess-1" {
		t.Error("expected a session to have been created")
	}
}

func TestRunTaskRejectsMissingTaskID(t *testing.T) {
	h := newTestHarness(t, 2)
	_, err := h.orch.RunTask(context.Background(), RunTaskInput{InitialPrompt: "hi"})
	if !apperrors.IsBadRequest(err) {
		t.Errorf("expected a bad-request error, got %v", err)
	}
}

func TestRunTaskRejectsDuplicateTaskID(t *testing.T) {
	h := newTestHarness(t, 1)
	ctx := context.Background()

	if _, err := h.orch.RunTask(ctx, RunTaskInput{TaskID: "task-1", ProjectID: "proj-1", InitialPrompt: "hi"}); err != nil {
		t.Fatalf("first RunTask failed: %v", err)
	}
	// Simulate task-1 still occupying a slot, as it does while a follow-up
	// prompt is being processed.
	h.orch.markRunning("task-1")
	_, err := h.orch.RunTask(ctx, RunTaskInput{TaskID: "task-1", ProjectID: "proj-1", InitialPrompt: "hi again"})
	if err == nil {
		t.Error("expected a conflict for a duplicate in-flight task id")
	}
}

func TestRunTaskFailsWhenConversationCreateFails(t *testing.T) {
	h := newTestHarness(t, 2)
	h.conversations.createErr = apperrors.InternalError("ar unreachable", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.orch.RunTask(ctx, RunTaskInput{TaskID: "task-fail", ProjectID: "proj-1", InitialPrompt: "hi"})
	if err == nil {
		t.Fatal("expected RunTask to fail when session creation fails")
	}

	runErr, ok := err.(*TaskRunFailedError)
	if !ok {
		t.Fatalf("expected *TaskRunFailedError, got %T", err)
	}
	if runErr.Task.State != task.StateFailed {
		t.Errorf("failed task state = %s, want %s", runErr.Task.State, task.StateFailed)
	}
}

func TestRunTaskScheduleRespectsMaxConcurrent(t *testing.T) {
	h := newTestHarness(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, id := range []string{"task-a", "task-b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, err := h.orch.RunTask(ctx, RunTaskInput{TaskID: id, ProjectID: "proj-1", InitialPrompt: "hi"})
			results[i] = err
		}(i, id)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("task %d failed: %v", i, err)
		}
	}
}

func TestMergeTaskRequiresReviewState(t *testing.T) {
	h := newTestHarness(t, 2)
	now := time.Now()
	queued := task.Task{TaskID: "task-queued", ProjectID: "proj-1", State: task.StateQueued, CreatedAt: now, UpdatedAt: now}
	if err := h.orch.deps.Tasks.Upsert(queued); err != nil {
		t.Fatalf("seed task failed: %v", err)
	}

	_, err := h.orch.MergeTask(context.Background(), "task-queued")
	if err == nil {
		t.Error("expected MergeTask to reject a non-review task")
	}
}

func TestMergeTaskCompletesAndCleansUp(t *testing.T) {
	h := newTestHarness(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ran, err := h.orch.RunTask(ctx, RunTaskInput{TaskID: "task-merge", ProjectID: "proj-1", InitialPrompt: "hi"})
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}

	runGit(t, ran.Execution.Worktree.WorktreeDirectory, "commit", "--allow-empty", "-m", "task change")

	merged, err := h.orch.MergeTask(context.Background(), "task-merge")
	if err != nil {
		t.Fatalf("MergeTask failed: %v", err)
	}
	if merged.State != task.StateCompleted {
		t.Errorf("final state = %s, want %s", merged.State, task.StateCompleted)
	}
}

func TestCancelTaskAbortsSessionAndFails(t *testing.T) {
	h := newTestHarness(t, 2)
	now := time.Now()
	running := task.Task{
		TaskID: "task-cancel", ProjectID: "proj-1", State: task.StateRunning,
		SessionID: "sess-1", WorktreeDirectory: filepath.Join(h.projectRoot, "wt"),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := h.orch.deps.Tasks.Upsert(running); err != nil {
		t.Fatalf("seed task failed: %v", err)
	}

	result, err := h.orch.CancelTask(context.Background(), "task-cancel")
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if result.State != task.StateFailed {
		t.Errorf("cancelled task state = %s, want %s", result.State, task.StateFailed)
	}
	if h.conversations.abortCalls != 1 {
		t.Errorf("abortCalls = %d, want 1", h.conversations.abortCalls)
	}
}

func TestCancelTaskRejectsTerminalState(t *testing.T) {
	h := newTestHarness(t, 2)
	now := time.Now()
	completed := task.Task{TaskID: "task-done", ProjectID: "proj-1", State: task.StateCompleted, CreatedAt: now, UpdatedAt: now}
	if err := h.orch.deps.Tasks.Upsert(completed); err != nil {
		t.Fatalf("seed task failed: %v", err)
	}

	_, err := h.orch.CancelTask(context.Background(), "task-done")
	if err == nil {
		t.Error("expected CancelTask to reject an already-completed task")
	}
}

func TestDeleteTaskRemovesQueuedTaskAndRejectsItsPendingCaller(t *testing.T) {
	h := newTestHarness(t, 2)

	now := time.Now()
	queued := task.Task{TaskID: "task-queued-del", ProjectID: "proj-1", State: task.StateQueued, CreatedAt: now, UpdatedAt: now}
	if err := h.orch.deps.Tasks.Upsert(queued); err != nil {
		t.Fatalf("seed task failed: %v", err)
	}
	h.orch.mu.Lock()
	run := &pendingRun{done: make(chan runOutcome, 1)}
	h.orch.pending["task-queued-del"] = run
	h.orch.queue.push("task-queued-del")
	h.orch.mu.Unlock()

	found, err := h.orch.DeleteTask(context.Background(), "task-queued-del")
	if err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if !found {
		t.Error("expected DeleteTask to report the task was found")
	}

	select {
	case outcome := <-run.done:
		if outcome.err == nil {
			t.Error("expected the pending caller to receive a deletion error")
		}
	case <-time.After(time.Second):
		t.Error("expected the pending caller to be notified of deletion")
	}

	if _, exists, _ := h.orch.deps.Tasks.Get("task-queued-del"); exists {
		t.Error("expected the task record to be removed")
	}
}

func TestDeleteTaskRejectsRunningTask(t *testing.T) {
	h := newTestHarness(t, 2)
	h.orch.mu.Lock()
	h.orch.running["task-running-del"] = struct{}{}
	h.orch.mu.Unlock()

	_, err := h.orch.DeleteTask(context.Background(), "task-running-del")
	if err == nil {
		t.Error("expected DeleteTask to reject a currently-running task")
	}
}
