package task

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateQueued, StateCreatingWorktree, true},
		{StateQueued, StateRunning, false},
		{StateCreatingWorktree, StateRunning, true},
		{StateCreatingWorktree, StateReview, false},
		{StateRunning, StateReview, true},
		{StateRunning, StateCleaning, true},
		{StateReview, StateRunning, true},
		{StateReview, StateCompleted, true},
		{StateCompleted, StateCleaning, true},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateCleaning, true},
		{StateCleaning, StateCompleted, true},
		{StateCleaning, StateFailed, true},
		{StateCleaning, StateQueued, false},
		{"bogus", StateQueued, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func baseTask() Task {
	now := time.Now()
	return Task{TaskID: "t1", ProjectID: "p1", State: StateQueued, CreatedAt: now, UpdatedAt: now}
}

func TestValidateInvariantsQueued(t *testing.T) {
	tsk := baseTask()
	if err := ValidateInvariants(tsk); err != nil {
		t.Fatalf("expected valid queued task, got %v", err)
	}

	tsk.WorktreeDirectory = "/tmp/wt"
	if err := ValidateInvariants(tsk); err == nil {
		t.Error("expected error for queued task with worktree set")
	}
}

func TestValidateInvariantsRunningRequiresWorktreeAndSession(t *testing.T) {
	tsk := baseTask()
	tsk.State = StateRunning
	if err := ValidateInvariants(tsk); err == nil {
		t.Error("expected error: running task missing worktree and session")
	}

	tsk.WorktreeDirectory = "/tmp/wt"
	if err := ValidateInvariants(tsk); err == nil {
		t.Error("expected error: running task missing session")
	}

	tsk.SessionID = "sess-1"
	if err := ValidateInvariants(tsk); err != nil {
		t.Errorf("expected valid running task, got %v", err)
	}
}

func TestValidateInvariantsFailedRequiresError(t *testing.T) {
	tsk := baseTask()
	tsk.State = StateFailed
	if err := ValidateInvariants(tsk); err == nil {
		t.Error("expected error: failed task missing error message")
	}
	tsk.Error = "boom"
	if err := ValidateInvariants(tsk); err != nil {
		t.Errorf("expected valid failed task, got %v", err)
	}
}

func TestValidateInvariantsTimestampOrdering(t *testing.T) {
	tsk := baseTask()
	tsk.UpdatedAt = tsk.CreatedAt.Add(-time.Second)
	if err := ValidateInvariants(tsk); err == nil {
		t.Error("expected error: updatedAt before createdAt")
	}
}

func TestValidateInvariantsRequiresIDs(t *testing.T) {
	tsk := baseTask()
	tsk.TaskID = ""
	if err := ValidateInvariants(tsk); err == nil {
		t.Error("expected error: missing taskId")
	}

	tsk = baseTask()
	tsk.ProjectID = ""
	if err := ValidateInvariants(tsk); err == nil {
		t.Error("expected error: missing projectId")
	}
}

func TestCloneDoesNotAliasModel(t *testing.T) {
	tsk := baseTask()
	tsk.Model = &ModelSelection{ProviderID: "openai", ModelID: "gpt"}

	clone := tsk.Clone()
	clone.Model.ModelID = "changed"

	if tsk.Model.ModelID != "gpt" {
		t.Error("mutating clone's model mutated the original")
	}
}

func TestEventTaskIDAndProjectID(t *testing.T) {
	tsk := baseTask()
	if tsk.EventTaskID() != "t1" {
		t.Errorf("EventTaskID() = %q, want t1", tsk.EventTaskID())
	}
	if tsk.EventProjectID() != "p1" {
		t.Errorf("EventProjectID() = %q, want p1", tsk.EventProjectID())
	}
}
