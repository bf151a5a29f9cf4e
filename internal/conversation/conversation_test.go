package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/config"
)

// fakeEventStream lets a test push events from a channel and close it to
// simulate the AR ending the subscription.
type fakeEventStream struct {
	events chan ar.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeEventStream() *fakeEventStream {
	return &fakeEventStream{events: make(chan ar.Event, 16), closed: make(chan struct{})}
}

func (s *fakeEventStream) push(ev ar.Event) { s.events <- ev }

func (s *fakeEventStream) Next(ctx context.Context) (ar.Event, bool, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return ar.Event{}, false, nil
		}
		return ev, true, nil
	case <-s.closed:
		return ar.Event{}, false, nil
	case <-ctx.Done():
		return ar.Event{}, false, ctx.Err()
	}
}

func (s *fakeEventStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeARClient struct {
	mu sync.Mutex

	createSessionErr error
	messages         []ar.Message
	messagesErr      error
	promptErr        error
	providersResp    ar.ProvidersResponse
	providersErr     error
	stream           *fakeEventStream

	promptCalls int
	abortCalls  int
}

func (c *fakeARClient) CreateSession(ctx context.Context, directory, title string) (ar.Session, error) {
	if c.createSessionErr != nil {
		return ar.Session{}, c.createSessionErr
	}
	return ar.Session{ID: "sess-1", Title: title}, nil
}

func (c *fakeARClient) ListMessages(ctx context.Context, sessionID string) ([]ar.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messagesErr != nil {
		return nil, c.messagesErr
	}
	out := make([]ar.Message, len(c.messages))
	copy(out, c.messages)
	return out, nil
}

func (c *fakeARClient) setMessages(msgs []ar.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = msgs
}

func (c *fakeARClient) PromptAsync(ctx context.Context, sessionID, text, agent string, model *ar.ModelRef) error {
	c.mu.Lock()
	c.promptCalls++
	c.mu.Unlock()
	return c.promptErr
}

func (c *fakeARClient) Abort(ctx context.Context, sessionID, directory string) error {
	c.mu.Lock()
	c.abortCalls++
	c.mu.Unlock()
	return nil
}

func (c *fakeARClient) SubscribeEvents(ctx context.Context, directory string) (ar.EventStream, error) {
	return c.stream, nil
}

func (c *fakeARClient) Providers(ctx context.Context, directory string) (ar.ProvidersResponse, error) {
	return c.providersResp, c.providersErr
}

type fakeDialer struct{ client *fakeARClient }

func (d *fakeDialer) Dial(ctx context.Context, hostname string, port int, directory string) (ar.Client, error) {
	return d.client, nil
}

func newTestManager(client *fakeARClient) *Manager {
	runtime := ar.NewRuntime(config.ARConfig{}, nil, &fakeDialer{client: client}, nil)
	return NewManager(runtime, nil, nil)
}

func TestCreateTaskSessionRequiresTaskIDAndWorktree(t *testing.T) {
	m := newTestManager(&fakeARClient{stream: newFakeEventStream()})

	if _, err := m.CreateTaskSession(context.Background(), CreateParams{WorktreeDirectory: "/tmp/wt"}); err == nil {
		t.Error("expected error when taskId is missing")
	}
	if _, err := m.CreateTaskSession(context.Background(), CreateParams{TaskID: "task-1"}); err == nil {
		t.Error("expected error when worktreeDirectory is missing")
	}
}

func TestCreateTaskSessionRecordsSessionForLookup(t *testing.T) {
	client := &fakeARClient{stream: newFakeEventStream()}
	m := newTestManager(client)

	sess, err := m.CreateTaskSession(context.Background(), CreateParams{
		TaskID: "task-1", ProjectID: "proj-1", WorktreeDirectory: "/tmp/wt", Title: "fix bug",
	})
	if err != nil {
		t.Fatalf("CreateTaskSession failed: %v", err)
	}
	if sess.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", sess.SessionID)
	}

	sessionID, ok := m.GetTaskSessionID("task-1")
	if !ok || sessionID != "sess-1" {
		t.Errorf("GetTaskSessionID = %q, %v; want sess-1, true", sessionID, ok)
	}
	directory, ok := m.GetSessionDirectory("sess-1")
	if !ok || directory != "/tmp/wt" {
		t.Errorf("GetSessionDirectory = %q, %v; want /tmp/wt, true", directory, ok)
	}
}

func TestAwaitMessagesRequiresSessionIDAndPrompt(t *testing.T) {
	m := newTestManager(&fakeARClient{stream: newFakeEventStream()})
	if _, err := m.SendInitialPromptAndAwaitMessages(context.Background(), AwaitParams{Prompt: "hi"}); err == nil {
		t.Error("expected error when sessionID is missing")
	}
	if _, err := m.SendInitialPromptAndAwaitMessages(context.Background(), AwaitParams{SessionID: "sess-1"}); err == nil {
		t.Error("expected error when prompt is missing")
	}
}

func TestAwaitMessagesUnknownSessionFails(t *testing.T) {
	m := newTestManager(&fakeARClient{stream: newFakeEventStream()})
	_, err := m.SendInitialPromptAndAwaitMessages(context.Background(), AwaitParams{SessionID: "ghost", Prompt: "hi"})
	if err == nil {
		t.Error("expected error for an unrecorded session")
	}
}

// seedSession creates a session through the manager so awaitMessages has a
// worktree directory to resolve.
func seedSession(t *testing.T, m *Manager, client *fakeARClient) string {
	t.Helper()
	sess, err := m.CreateTaskSession(context.Background(), CreateParams{
		TaskID: "task-1", WorktreeDirectory: "/tmp/wt",
	})
	if err != nil {
		t.Fatalf("CreateTaskSession failed: %v", err)
	}
	return sess.SessionID
}

func TestAwaitMessagesSucceedsOnIdleAfterActivity(t *testing.T) {
	client := &fakeARClient{stream: newFakeEventStream()}
	m := newTestManager(client)
	sessionID := seedSession(t, m, client)

	go func() {
		time.Sleep(10 * time.Millisecond)
		client.setMessages([]ar.Message{{Info: ar.MessageInfo{ID: "m1", Role: "assistant", SessionID: sessionID}}})
		client.stream.push(ar.Event{Type: "message.updated", Properties: map[string]any{"sessionID": sessionID}})
		time.Sleep(10 * time.Millisecond)
		client.stream.push(ar.Event{Type: "session.idle", Properties: map[string]any{"sessionID": sessionID}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := m.SendInitialPromptAndAwaitMessages(ctx, AwaitParams{
		SessionID: sessionID, Prompt: "do the thing", Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("SendInitialPromptAndAwaitMessages failed: %v", err)
	}
	if len(result.SDKMessages) == 0 {
		t.Error("expected at least one observed message")
	}
	if client.promptCalls != 1 {
		t.Errorf("promptCalls = %d, want 1", client.promptCalls)
	}
}

func TestAwaitMessagesSurfacesSessionError(t *testing.T) {
	client := &fakeARClient{stream: newFakeEventStream()}
	m := newTestManager(client)
	sessionID := seedSession(t, m, client)

	go func() {
		time.Sleep(10 * time.Millisecond)
		client.stream.push(ar.Event{Type: "session.error", Properties: map[string]any{
			"sessionID": sessionID,
			"error":     map[string]any{"name": "ToolError"},
		}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := m.SendInitialPromptAndAwaitMessages(ctx, AwaitParams{
		SessionID: sessionID, Prompt: "do the thing", Timeout: 2 * time.Second,
	})
	if err == nil {
		t.Error("expected session.error to surface as a failure")
	}
}

func TestAwaitMessagesTimesOutWithoutAssistantReply(t *testing.T) {
	client := &fakeARClient{stream: newFakeEventStream()}
	m := newTestManager(client)
	sessionID := seedSession(t, m, client)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.SendInitialPromptAndAwaitMessages(ctx, AwaitParams{
		SessionID: sessionID, Prompt: "do the thing", Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Error("expected a timeout error when no assistant message ever appears")
	}
}

func TestAbortSessionDelegatesToClient(t *testing.T) {
	client := &fakeARClient{stream: newFakeEventStream()}
	m := newTestManager(client)
	sessionID := seedSession(t, m, client)

	if err := m.AbortSession(context.Background(), sessionID); err != nil {
		t.Fatalf("AbortSession failed: %v", err)
	}
	if client.abortCalls != 1 {
		t.Errorf("abortCalls = %d, want 1", client.abortCalls)
	}
}

func TestResolveModelPrefersOverrideThenRemembered(t *testing.T) {
	client := &fakeARClient{stream: newFakeEventStream()}
	m := newTestManager(client)
	sessionID := seedSession(t, m, client)

	override := &ar.ModelRef{ProviderID: "anthropic", ModelID: "claude"}
	sess, _ := m.requireSession(sessionID)
	model, err := m.resolveModel(context.Background(), client, "/tmp/wt", sess, override)
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if model != override {
		t.Errorf("resolveModel should return the override verbatim")
	}

	m.rememberModel(sessionID, ar.ModelRef{ProviderID: "openai", ModelID: "gpt"})
	sess, _ = m.requireSession(sessionID)
	model, err = m.resolveModel(context.Background(), client, "/tmp/wt", sess, nil)
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	if model == nil || model.ModelID != "gpt" {
		t.Errorf("resolveModel = %+v, want the remembered model", model)
	}
}
