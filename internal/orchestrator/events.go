package orchestrator

import "github.com/taskforge/taskforge/internal/task"

// lifecyclePayload is embedded in every orchestrator event payload so the
// event bus can derive UI updates and log entries without reflection.
type lifecyclePayload struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId,omitempty"`
}

func (p lifecyclePayload) EventTaskID() string    { return p.TaskID }
func (p lifecyclePayload) EventProjectID() string { return p.ProjectID }

// TaskEnqueuedPayload is emitted for task.enqueued.
type TaskEnqueuedPayload struct {
	lifecyclePayload
}

// WorktreeCreatedPayload is emitted for task.worktree.created.
type WorktreeCreatedPayload struct {
	lifecyclePayload
	WorktreeDirectory string `json:"worktreeDirectory"`
	Branch            string `json:"branch"`
}

// SessionCreatedPayload is emitted for task.session.created.
type SessionCreatedPayload struct {
	lifecyclePayload
	SessionID string `json:"sessionId"`
}

// StateChangedPayload is emitted for task.state.changed; its fields
// equal the in-memory task record at the moment of transition (spec.md
// §8's "task.state.changed payload equals the record" property).
type StateChangedPayload struct {
	lifecyclePayload
	Task task.Task `json:"task"`
}

// MessageReceivedPayload is emitted for task.session.message.received,
// once per message observed during a prompt-await loop.
type MessageReceivedPayload struct {
	lifecyclePayload
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	MessageID string `json:"messageId"`
}

// PromptSubmittedPayload is emitted for task.prompt.submitted.
type PromptSubmittedPayload struct {
	lifecyclePayload
	SessionID string `json:"sessionId"`
}

// ReviewPayload is emitted for task.review.
type ReviewPayload struct {
	lifecyclePayload
}

// MergedPayload is emitted for task.merged.
type MergedPayload struct {
	lifecyclePayload
	Branch string `json:"branch"`
}

// CleanupCompletedPayload is emitted for task.cleanup.completed.
type CleanupCompletedPayload struct {
	lifecyclePayload
	Policy            string `json:"policy"`
	WorktreeDirectory string `json:"worktreeDirectory,omitempty"`
	Removed           bool   `json:"removed"`
}

// FailedPayload is emitted for task.failed.
type FailedPayload struct {
	lifecyclePayload
	Error string `json:"error"`
}
