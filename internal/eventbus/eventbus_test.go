package eventbus

import (
	"sync"
	"testing"
)

type testPayload struct {
	TaskID    string
	ProjectID string
}

func (p testPayload) EventTaskID() string    { return p.TaskID }
func (p testPayload) EventProjectID() string { return p.ProjectID }

func TestEmitAssignsIncreasingSequence(t *testing.T) {
	b := New(nil)

	e1 := b.Emit("task.queued", testPayload{TaskID: "t1"})
	e2 := b.Emit("task.running", testPayload{TaskID: "t1"})
	e3 := b.Emit("task.completed", testPayload{TaskID: "t1"})

	if e1.Sequence != 1 || e2.Sequence != 2 || e3.Sequence != 3 {
		t.Errorf("sequences = %d, %d, %d, want 1, 2, 3", e1.Sequence, e2.Sequence, e3.Sequence)
	}
}

func TestSubscribeReceivesEveryEnvelope(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var received []string

	unsub := b.Subscribe(func(env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env.Type)
	})
	defer unsub()

	b.Emit("task.queued", testPayload{})
	b.Emit("task.running", testPayload{})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "task.queued" || received[1] != "task.running" {
		t.Errorf("received = %v, want [task.queued task.running]", received)
	}
}

func TestSubscribeFilteredByType(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var received []string

	unsub := b.Subscribe(func(env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, env.Type)
	}, "task.failed")
	defer unsub()

	b.Emit("task.queued", testPayload{})
	b.Emit("task.failed", testPayload{})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "task.failed" {
		t.Errorf("received = %v, want [task.failed]", received)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	count := 0
	unsub := b.Subscribe(func(env Envelope) { count++ })

	b.Emit("task.queued", testPayload{})
	unsub()
	b.Emit("task.running", testPayload{})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	// Idempotent: calling unsub again must not panic or double-remove.
	unsub()
}

func TestSubscribeUIDerivesScopeAndAction(t *testing.T) {
	b := New(nil)
	var got UIUpdate
	unsub := b.SubscribeUI(func(up UIUpdate) { got = up })
	defer unsub()

	b.Emit("task.queued", testPayload{TaskID: "t1", ProjectID: "p1"})

	if got.Scope != "task" || got.Action != "queued" {
		t.Errorf("got Scope=%q Action=%q, want task/queued", got.Scope, got.Action)
	}
	if got.TaskID != "t1" || got.ProjectID != "p1" {
		t.Errorf("got TaskID=%q ProjectID=%q, want t1/p1", got.TaskID, got.ProjectID)
	}
}

func TestSubscribeUIIgnoresLogAppended(t *testing.T) {
	b := New(nil)
	called := false
	unsub := b.SubscribeUI(func(up UIUpdate) { called = true })
	defer unsub()

	b.Emit("log.appended", LogAppendedPayload{Level: "info", Message: "hello"})

	if called {
		t.Error("expected log.appended not to derive a UIUpdate")
	}
}

func TestSubscribeLogDerivesFromLifecycleEvent(t *testing.T) {
	b := New(nil)
	var got LogEntry
	unsub := b.SubscribeLog(func(entry LogEntry) { got = entry })
	defer unsub()

	b.Emit("task.failed", testPayload{TaskID: "t1", ProjectID: "p1"})

	if got.Level != "error" {
		t.Errorf("Level = %q, want error", got.Level)
	}
	if got.TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", got.TaskID)
	}
}

func TestSubscribeLogPassesThroughLogAppendedPayload(t *testing.T) {
	b := New(nil)
	var got LogEntry
	unsub := b.SubscribeLog(func(entry LogEntry) { got = entry })
	defer unsub()

	b.Emit("log.appended", LogAppendedPayload{Level: "warn", Message: "careful", Source: "ar"})

	if got.Level != "warn" || got.Message != "careful" || got.Source != "ar" {
		t.Errorf("got %+v, want level=warn message=careful source=ar", got)
	}
}

func TestSubscriberPanicDoesNotStopDispatch(t *testing.T) {
	b := New(nil)
	b.Subscribe(func(env Envelope) { panic("boom") })

	secondCalled := false
	b.Subscribe(func(env Envelope) { secondCalled = true })

	b.Emit("task.queued", testPayload{})

	if !secondCalled {
		t.Error("a panicking subscriber should not prevent other subscribers from being dispatched to")
	}
}

func TestSetMirrorReceivesEveryEnvelope(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var mirrored []string
	b.SetMirror(func(env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		mirrored = append(mirrored, env.Type)
	})

	b.Emit("task.queued", testPayload{})
	b.Emit("task.running", testPayload{})

	mu.Lock()
	defer mu.Unlock()
	if len(mirrored) != 2 {
		t.Errorf("mirrored = %v, want 2 entries", mirrored)
	}
}

func TestMirrorPanicDoesNotPropagate(t *testing.T) {
	b := New(nil)
	b.SetMirror(func(env Envelope) { panic("mirror boom") })

	// Must not panic the caller.
	b.Emit("task.queued", testPayload{})
}

func TestNormalizeError(t *testing.T) {
	if NormalizeError(nil) != nil {
		t.Error("expected nil for nil error")
	}

	ne := NormalizeError(errBoom{})
	if ne == nil || ne.Message != "boom" {
		t.Errorf("got %+v, want Message=boom", ne)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
