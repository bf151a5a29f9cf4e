// Package ar normalizes access to the external coding-agent runtime (the
// "AR") behind one client interface, with adapters for the AR's native
// HTTP+SSE protocol, the Agent Client Protocol, and the Copilot SDK.
package ar

import "context"

// Session is the AR's response to session.create.
type Session struct {
	ID        string
	Title     string
	CreatedAt string
	UpdatedAt string
}

// MessagePart is one part of a message (text, tool-call, etc).
type MessagePart struct {
	Type string
	Text string
	Raw  map[string]any
}

// MessageInfo carries a message's envelope fields.
type MessageInfo struct {
	ID        string
	Role      string
	SessionID string
	CreatedAt int64
	Error     string
}

// Message is one entry in a session's message list.
type Message struct {
	Info  MessageInfo
	Parts []MessagePart
}

// ModelRef selects a provider + model pair.
type ModelRef struct {
	ProviderID string
	ModelID    string
}

// Provider describes one AR-configured model provider.
type Provider struct {
	ID     string
	Models map[string]struct{}
}

// ProvidersResponse is the AR's response to config.providers.
type ProvidersResponse struct {
	Providers []Provider
	Default   map[string]string // providerID -> modelID
}

// Event is the normalized shape every AR wire event collapses to,
// regardless of which of the two wire shapes it arrived in
// (spec.md §6, §9 "Event-stream normalization").
type Event struct {
	Type       string
	Properties map[string]any
}

// EventStream is an open subscription to a directory's AR event feed.
type EventStream interface {
	// Next blocks until the next event is available, ctx is done, or the
	// stream is closed, returning (Event{}, false, ctx.Err()) when ctx is
	// done and (Event{}, false, nil) when the stream has ended.
	Next(ctx context.Context) (Event, bool, error)
	// Close deterministically tears down the underlying connection. It
	// is always called on both the success and failure exits of the
	// conversation manager's awaiting loop.
	Close() error
}

// Client is the normalized surface the Conversation Manager depends on.
// adapters/native, adapters/acp, and adapters/copilot each implement it
// against a different wire protocol.
type Client interface {
	CreateSession(ctx context.Context, directory, title string) (Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	PromptAsync(ctx context.Context, sessionID string, text string, agent string, model *ModelRef) error
	Abort(ctx context.Context, sessionID, directory string) error
	SubscribeEvents(ctx context.Context, directory string) (EventStream, error)
	Providers(ctx context.Context, directory string) (ProvidersResponse, error)
}

// Dialer constructs a Client bound to a single working directory. The
// Runtime holds one Dialer per configured backend and caches the Clients
// it produces.
type Dialer interface {
	Dial(ctx context.Context, hostname string, port int, directory string) (Client, error)
}
