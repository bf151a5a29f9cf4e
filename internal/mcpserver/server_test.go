package mcpserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/project"
	"github.com/taskforge/taskforge/internal/task"
)

func testDeps(t *testing.T) Dependencies {
	dir := t.TempDir()
	return Dependencies{
		Tasks:    task.NewRegistry(filepath.Join(dir, "tasks.json"), nil),
		Projects: project.NewRegistry(filepath.Join(dir, "projects.json"), nil, nil),
	}
}

func TestSSEEndpointFormatsPort(t *testing.T) {
	srv := New(Config{Port: 7421}, testDeps(t))
	want := "http://localhost:7421/sse"
	if got := srv.SSEEndpoint(); got != want {
		t.Errorf("SSEEndpoint() = %q, want %q", got, want)
	}
}

func TestStartAndStopLifecycle(t *testing.T) {
	// Port 0 lets the OS pick an ephemeral port so the test doesn't
	// collide with anything else listening on the machine.
	srv := New(Config{Port: 0}, testDeps(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestStartTwiceReturnsError(t *testing.T) {
	srv := New(Config{Port: 0}, testDeps(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	}()

	if err := srv.Start(ctx); err == nil {
		t.Error("expected second Start on an already-running server to fail")
	}
}

func TestStopOnNeverStartedServerIsNoop(t *testing.T) {
	srv := New(Config{Port: 0}, testDeps(t))
	if err := srv.Stop(context.Background()); err != nil {
		t.Errorf("Stop on never-started server should be a no-op, got %v", err)
	}
}
