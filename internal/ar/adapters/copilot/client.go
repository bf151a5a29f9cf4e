// Package copilot implements ar.Client against the official GitHub
// Copilot SDK (github.com/github/copilot-sdk/go), connecting to an
// already-running Copilot CLI server addressed by Dialer.CLIURL.
package copilot

import (
	"context"
	"fmt"

	copilotsdk "github.com/github/copilot-sdk/go"

	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/logging"
)

// Client adapts one copilot.Client connection to ar.Client.
type Client struct {
	sdk    *copilotsdk.Client
	logger *logging.Logger
}

// Dialer constructs copilot Clients. It satisfies ar.Dialer.
type Dialer struct {
	CLIURL string // base URL of the running Copilot CLI server
	Logger *logging.Logger
}

// Dial connects to the Copilot CLI server at CLIURL. hostname/port are
// ignored; the Copilot backend is addressed by CLIURL because the CLI
// server picks its own port at launch.
func (d Dialer) Dial(ctx context.Context, hostname string, port int, directory string) (ar.Client, error) {
	sdk := copilotsdk.NewClient(copilotsdk.ClientConfig{CLIUrl: d.CLIURL})
	if err := sdk.Start(ctx); err != nil {
		return nil, fmt.Errorf("copilot ar client: start: %w", err)
	}
	return &Client{sdk: sdk, logger: d.Logger}, nil
}

// CreateSession implements ar.Client via copilot.Client.CreateSession.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (ar.Session, error) {
	sessionID, err := c.sdk.CreateSession(ctx, map[string]copilotsdk.MCPServerConfig{})
	if err != nil {
		return ar.Session{}, fmt.Errorf("copilot ar client: create session: %w", err)
	}
	return ar.Session{ID: sessionID, Title: title}, nil
}

// ListMessages has no Copilot SDK equivalent for history replay: the SDK
// is event-stream only, so this always returns an error. The
// conversation manager does not reconstruct history from observed
// events, so its prompt-awaiting calls fail for Copilot-backed sessions.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]ar.Message, error) {
	return nil, fmt.Errorf("copilot ar client: ListMessages unsupported, use streamed events")
}

// PromptAsync implements ar.Client via copilot.Client.Send. The SDK's
// Send blocks only until the message is accepted, not until the turn
// completes, matching session.promptAsync's fire-and-forget contract.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, text string, agent string, model *ar.ModelRef) error {
	if _, err := c.sdk.Send(ctx, sessionID, text); err != nil {
		return fmt.Errorf("copilot ar client: send: %w", err)
	}
	return nil
}

// Abort implements ar.Client via copilot.Client.Abort.
func (c *Client) Abort(ctx context.Context, sessionID, directory string) error {
	if err := c.sdk.Abort(ctx, sessionID); err != nil {
		return fmt.Errorf("copilot ar client: abort: %w", err)
	}
	return nil
}

// Providers is not configurable through the Copilot SDK; the CLI server
// is launched already bound to one model.
func (c *Client) Providers(ctx context.Context, directory string) (ar.ProvidersResponse, error) {
	return ar.ProvidersResponse{}, nil
}

// SubscribeEvents implements ar.Client by subscribing to the SDK's
// session event channel and translating each copilot.SessionEvent into
// a normalized ar.Event.
func (c *Client) SubscribeEvents(ctx context.Context, directory string) (ar.EventStream, error) {
	events := make(chan copilotsdk.SessionEvent, 64)
	unsubscribe := c.sdk.OnEvent(func(evt copilotsdk.SessionEvent) {
		select {
		case events <- evt:
		default:
			c.logger.Warn("copilot event channel full, dropping event")
		}
	})
	return &eventStream{events: events, unsubscribe: unsubscribe}, nil
}

type eventStream struct {
	events      chan copilotsdk.SessionEvent
	unsubscribe func()
}

func (s *eventStream) Next(ctx context.Context) (ar.Event, bool, error) {
	select {
	case evt, ok := <-s.events:
		if !ok {
			return ar.Event{}, false, nil
		}
		return translateEvent(evt), true, nil
	case <-ctx.Done():
		return ar.Event{}, false, ctx.Err()
	}
}

func (s *eventStream) Close() error {
	s.unsubscribe()
	close(s.events)
	return nil
}

// translateEvent maps a copilot.SessionEvent onto the AR's native
// event-type vocabulary, so activity/idle detection in the conversation
// manager behaves identically across backends.
func translateEvent(evt copilotsdk.SessionEvent) ar.Event {
	props := map[string]any{"sessionID": evt.SessionID}
	switch evt.Type {
	case copilotsdk.EventTypeAssistantMessage, copilotsdk.EventTypeAssistantMessageDelta,
		copilotsdk.EventTypeAssistantReasoning, copilotsdk.EventTypeAssistantReasoningDelta,
		copilotsdk.EventTypeToolStart, copilotsdk.EventTypeToolProgress, copilotsdk.EventTypeToolComplete:
		return ar.Event{Type: "message.part.updated", Properties: props}
	case copilotsdk.EventTypeSessionIdle, copilotsdk.EventTypeAssistantTurnEnd:
		return ar.Event{Type: "session.idle", Properties: props}
	case copilotsdk.EventTypeSessionError:
		props["error"] = map[string]any{"data": map[string]any{"message": evt.Message}}
		return ar.Event{Type: "session.error", Properties: props}
	default:
		return ar.Event{Type: string(evt.Type), Properties: props}
	}
}
