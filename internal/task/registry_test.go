package task

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	dir := t.TempDir()
	return NewRegistry(filepath.Join(dir, "tasks.json"), nil)
}

func TestRegistryUpsertAndGet(t *testing.T) {
	r := newTestRegistry(t)
	tsk := baseTask()

	if err := r.Upsert(tsk); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, found, err := r.Get(tsk.TaskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected task to be found")
	}
	if got.TaskID != tsk.TaskID {
		t.Errorf("got TaskID = %s, want %s", got.TaskID, tsk.TaskID)
	}
}

func TestRegistryUpsertRejectsInvalidTask(t *testing.T) {
	r := newTestRegistry(t)
	tsk := baseTask()
	tsk.State = StateRunning // missing worktree/session

	if err := r.Upsert(tsk); err == nil {
		t.Error("expected Upsert to reject an invariant-violating task")
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, found, err := r.Get("nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("expected found = false for missing task")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(t)
	tsk := baseTask()
	if err := r.Upsert(tsk); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := r.Remove(tsk.TaskID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	_, found, err := r.Get(tsk.TaskID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("expected task to be gone after Remove")
	}

	// Removing again is a no-op, not an error.
	if err := r.Remove(tsk.TaskID); err != nil {
		t.Errorf("Remove of already-removed task returned error: %v", err)
	}
}

func TestRegistryListSortedByCreatedAtThenID(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Now()

	older := baseTask()
	older.TaskID = "older"
	older.CreatedAt = base
	older.UpdatedAt = base

	newer := baseTask()
	newer.TaskID = "newer"
	newer.CreatedAt = base.Add(time.Minute)
	newer.UpdatedAt = newer.CreatedAt

	tie := baseTask()
	tie.TaskID = "a-tie"
	tie.CreatedAt = base
	tie.UpdatedAt = base

	for _, tsk := range []Task{newer, older, tie} {
		if err := r.Upsert(tsk); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", tsk.TaskID, err)
		}
	}

	list, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(list))
	}
	// a-tie sorts before older at the same CreatedAt, newer is last.
	want := []string{"a-tie", "older", "newer"}
	for i, w := range want {
		if list[i].TaskID != w {
			t.Errorf("list[%d] = %s, want %s", i, list[i].TaskID, w)
		}
	}
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	r1 := NewRegistry(path, nil)
	tsk := baseTask()
	if err := r1.Upsert(tsk); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	r2 := NewRegistry(path, nil)
	got, found, err := r2.Get(tsk.TaskID)
	if err != nil {
		t.Fatalf("Get failed on reloaded registry: %v", err)
	}
	if !found {
		t.Fatal("expected task to survive reload from disk")
	}
	if got.TaskID != tsk.TaskID {
		t.Errorf("got TaskID = %s, want %s", got.TaskID, tsk.TaskID)
	}
}
