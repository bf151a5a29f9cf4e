package orchestrator

import (
	"context"

	"github.com/taskforge/taskforge/internal/conversation"
)

// ConversationManager is the subset of *conversation.Manager the
// orchestrator depends on, named explicitly so pipeline/postreview code
// depends on a narrow interface rather than the concrete type.
type ConversationManager interface {
	CreateTaskSession(ctx context.Context, p conversation.CreateParams) (conversation.Session, error)
	SendInitialPromptAndAwaitMessages(ctx context.Context, p conversation.AwaitParams) (conversation.AwaitResult, error)
	SendFollowUpPromptAndAwaitMessages(ctx context.Context, p conversation.AwaitParams) (conversation.AwaitResult, error)
	AbortSession(ctx context.Context, sessionID string) error
}
