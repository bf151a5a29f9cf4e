package ar

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/logging"
)

type fakeLauncher struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	startErr   error
	running    bool
}

func (f *fakeLauncher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeLauncher) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.running = false
	return nil
}

func (f *fakeLauncher) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeClient struct{ id string }

func (f *fakeClient) CreateSession(ctx context.Context, directory, title string) (Session, error) {
	return Session{}, nil
}
func (f *fakeClient) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return nil, nil
}
func (f *fakeClient) PromptAsync(ctx context.Context, sessionID, text, agent string, model *ModelRef) error {
	return nil
}
func (f *fakeClient) Abort(ctx context.Context, sessionID, directory string) error { return nil }
func (f *fakeClient) SubscribeEvents(ctx context.Context, directory string) (EventStream, error) {
	return nil, nil
}
func (f *fakeClient) Providers(ctx context.Context, directory string) (ProvidersResponse, error) {
	return ProvidersResponse{}, nil
}

type fakeDialer struct {
	mu        sync.Mutex
	dialCalls int
	dialErr   error
}

func (f *fakeDialer) Dial(ctx context.Context, hostname string, port int, directory string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCalls++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeClient{id: directory}, nil
}

func TestRuntimeStartWithoutLauncherMarksRunning(t *testing.T) {
	rt := NewRuntime(config.ARConfig{}, nil, &fakeDialer{}, nil)
	if rt.IsRunning() {
		t.Error("expected not running before Start")
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !rt.IsRunning() {
		t.Error("expected running after Start with no launcher")
	}
}

func TestRuntimeStartStopWithLauncher(t *testing.T) {
	launcher := &fakeLauncher{}
	rt := NewRuntime(config.ARConfig{}, launcher, &fakeDialer{}, logging.Noop())

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !rt.IsRunning() {
		t.Error("expected running after Start")
	}
	if launcher.startCalls != 1 {
		t.Errorf("startCalls = %d, want 1", launcher.startCalls)
	}

	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if rt.IsRunning() {
		t.Error("expected not running after Stop")
	}
	if launcher.stopCalls != 1 {
		t.Errorf("stopCalls = %d, want 1", launcher.stopCalls)
	}
}

func TestRuntimeStartIsNoopWhenAlreadyRunning(t *testing.T) {
	launcher := &fakeLauncher{}
	rt := NewRuntime(config.ARConfig{}, launcher, &fakeDialer{}, logging.Noop())

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if launcher.startCalls != 1 {
		t.Errorf("expected launcher.Start to be called once, got %d", launcher.startCalls)
	}
}

func TestRuntimeStartPropagatesLauncherError(t *testing.T) {
	launcher := &fakeLauncher{startErr: errors.New("boom")}
	rt := NewRuntime(config.ARConfig{}, launcher, &fakeDialer{}, logging.Noop())

	if err := rt.Start(context.Background()); err == nil {
		t.Error("expected Start to propagate launcher error")
	}
	if rt.IsRunning() {
		t.Error("expected not running after failed Start")
	}
}

func TestRuntimeGetClientCachesByNormalizedDirectory(t *testing.T) {
	dialer := &fakeDialer{}
	rt := NewRuntime(config.ARConfig{Hostname: "localhost", Port: 4096}, nil, dialer, nil)

	c1, err := rt.GetClient(context.Background(), "/tmp/repo")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	c2, err := rt.GetClient(context.Background(), "/tmp/repo/")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}

	if c1 != c2 {
		t.Error("expected equivalent directories to share one cached client")
	}
	if dialer.dialCalls != 1 {
		t.Errorf("dialCalls = %d, want 1 (cached on second call)", dialer.dialCalls)
	}
}

func TestRuntimeGetClientPropagatesDialError(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	rt := NewRuntime(config.ARConfig{}, nil, dialer, nil)

	if _, err := rt.GetClient(context.Background(), "/tmp/repo"); err == nil {
		t.Error("expected GetClient to propagate dial error")
	}
}

func TestRuntimeStopClearsClientCache(t *testing.T) {
	dialer := &fakeDialer{}
	launcher := &fakeLauncher{}
	rt := NewRuntime(config.ARConfig{}, launcher, dialer, logging.Noop())

	if _, err := rt.GetClient(context.Background(), "/tmp/repo"); err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if err := rt.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := rt.GetClient(context.Background(), "/tmp/repo"); err != nil {
		t.Fatalf("GetClient after Stop failed: %v", err)
	}
	if dialer.dialCalls != 2 {
		t.Errorf("dialCalls = %d, want 2 (cache cleared by Stop)", dialer.dialCalls)
	}
}
