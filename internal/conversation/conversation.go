// Package conversation manages AR sessions bound to task worktrees:
// creating them, submitting prompts and awaiting the assistant's
// response, and tracking per-session state (worktree directory, resolved
// model, last activity) across the life of a task.
package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/apperrors"
	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/store"
)

// Session is the in-memory record of one conversation session.
type Session struct {
	SessionID         string
	ProjectID         string
	TaskID            string
	WorktreeDirectory string
	Title             string
	Model             *ar.ModelRef
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastMessageAt     *time.Time
}

// CreateParams are the normalized inputs to CreateTaskSession.
type CreateParams struct {
	ProjectID         string
	TaskID            string
	ProjectDirectory  string
	WorktreeDirectory string
	Title             string
}

// Manager owns session creation, the prompt/await protocol, and the
// {taskID -> sessionID} / {sessionID -> worktreeDirectory} mappings the
// rest of the system queries through its accessors.
type Manager struct {
	runtime *ar.Runtime
	store   *store.SessionStore
	logger  *logging.Logger

	mu         sync.Mutex
	sessions   map[string]*Session // sessionID -> session
	taskToSess map[string]string   // taskID -> sessionID
}

// NewManager builds a Manager. store may be nil, in which case session
// metadata is kept in memory only (fine for a single-process run that
// doesn't need to resume sessions across restarts).
func NewManager(runtime *ar.Runtime, sessionStore *store.SessionStore, logger *logging.Logger) *Manager {
	return &Manager{
		runtime:    runtime,
		store:      sessionStore,
		logger:     logger,
		sessions:   make(map[string]*Session),
		taskToSess: make(map[string]string),
	}
}

// CreateTaskSession creates an AR session bound to a task's worktree and
// records it for later lookup by task id.
func (m *Manager) CreateTaskSession(ctx context.Context, p CreateParams) (Session, error) {
	taskID := strings.TrimSpace(p.TaskID)
	worktreeDirectory := strings.TrimSpace(p.WorktreeDirectory)
	if taskID == "" {
		return Session{}, apperrors.BadRequest("taskId is required")
	}
	if worktreeDirectory == "" {
		return Session{}, apperrors.BadRequest("worktreeDirectory is required")
	}

	client, err := m.runtime.GetClient(ctx, worktreeDirectory)
	if err != nil {
		return Session{}, fmt.Errorf("conversation manager: %w", err)
	}

	arSession, err := client.CreateSession(ctx, worktreeDirectory, p.Title)
	if err != nil {
		return Session{}, fmt.Errorf("conversation manager: create session: %w", err)
	}

	now := time.Now()
	sess := &Session{
		SessionID:         arSession.ID,
		ProjectID:         p.ProjectID,
		TaskID:            taskID,
		WorktreeDirectory: worktreeDirectory,
		Title:             p.Title,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	m.mu.Lock()
	m.sessions[sess.SessionID] = sess
	m.taskToSess[taskID] = sess.SessionID
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, store.SessionRecord{
			SessionID: sess.SessionID, ProjectID: sess.ProjectID, TaskID: sess.TaskID,
			WorktreeDirectory: sess.WorktreeDirectory, Title: sess.Title,
			CreatedAt: sess.CreatedAt, UpdatedAt: sess.UpdatedAt,
		}); err != nil {
			m.logger.WithError(err).Warn("failed to persist conversation session")
		}
	}

	return *sess, nil
}

// ListConversationMessages returns the full message list for a session.
func (m *Manager) ListConversationMessages(ctx context.Context, sessionID, worktreeDirectoryOverride string) ([]ar.Message, error) {
	sess, err := m.requireSession(sessionID)
	if err != nil {
		return nil, err
	}
	directory := sess.WorktreeDirectory
	if worktreeDirectoryOverride != "" {
		directory = worktreeDirectoryOverride
	}
	client, err := m.runtime.GetClient(ctx, directory)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: %w", err)
	}
	msgs, err := client.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: list messages: %w", err)
	}
	return msgs, nil
}

// SubscribeToEvents opens a directory-scoped AR event stream and pumps
// normalized events to onEvent until ctx is cancelled or unsubscribe is
// called. It returns an unsubscribe function.
func (m *Manager) SubscribeToEvents(ctx context.Context, sessionID, worktreeDirectoryOverride string, onEvent func(ar.Event)) (func(), error) {
	directory := worktreeDirectoryOverride
	if directory == "" {
		sess, err := m.requireSession(sessionID)
		if err != nil {
			return nil, err
		}
		directory = sess.WorktreeDirectory
	}

	client, err := m.runtime.GetClient(ctx, directory)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: %w", err)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.SubscribeEvents(streamCtx, directory)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("conversation manager: subscribe events: %w", err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			_ = stream.Close()
		})
	}

	go func() {
		defer unsubscribe()
		for {
			ev, ok, err := stream.Next(streamCtx)
			if err != nil || !ok {
				return
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}()

	return unsubscribe, nil
}

// AbortSession asks the AR to abort a session's in-flight turn, used by
// task cancellation. It is a best-effort call: the caller proceeds with
// the failure/cleanup path regardless of whether the AR confirms.
func (m *Manager) AbortSession(ctx context.Context, sessionID string) error {
	sess, err := m.requireSession(sessionID)
	if err != nil {
		return err
	}
	client, err := m.runtime.GetClient(ctx, sess.WorktreeDirectory)
	if err != nil {
		return fmt.Errorf("conversation manager: %w", err)
	}
	return client.Abort(ctx, sessionID, sess.WorktreeDirectory)
}

// GetTaskSessionID returns the session id recorded for a task, if any.
func (m *Manager) GetTaskSessionID(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.taskToSess[taskID]
	return sessionID, ok
}

// GetSessionDirectory returns the worktree directory recorded for a
// session, if any.
func (m *Manager) GetSessionDirectory(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.WorktreeDirectory, true
}

// GetSession returns the recorded session, if any.
func (m *Manager) GetSession(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

func (m *Manager) requireSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return sess, nil
}

func (m *Manager) rememberModel(sessionID string, model ar.ModelRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.Model = &model
	}
}

func (m *Manager) touchLastMessageAt(sessionID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.LastMessageAt = &at
		sess.UpdatedAt = at
	}
}
