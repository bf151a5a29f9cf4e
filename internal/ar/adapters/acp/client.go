// Package acp implements ar.Client against an ACP-bridging AR backend: a
// small HTTP+WebSocket surface in front of github.com/coder/acp-go-sdk,
// the same shape the AR's own ACP bridge process exposes.
package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/logging"
)

// Client talks to one AR ACP bridge instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// Dialer constructs acp Clients. It satisfies ar.Dialer.
type Dialer struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// Dial builds a Client bound to hostname:port, sends the ACP initialize
// handshake, and returns once the bridge has acknowledged it.
func (d Dialer) Dial(ctx context.Context, hostname string, port int, directory string) (ar.Client, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", hostname, port),
		httpClient: &http.Client{Timeout: timeout},
		logger:     d.Logger,
	}
	if err := c.initialize(ctx); err != nil {
		return nil, fmt.Errorf("acp ar client: %w", err)
	}
	return c, nil
}

func (c *Client) initialize(ctx context.Context) error {
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	body := map[string]string{"client_name": "taskforge", "client_version": "1.0.0"}
	if err := c.postJSON(ctx, "/api/v1/acp/initialize", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("initialize failed: %s", resp.Error)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// CreateSession implements ar.Client via the bridge's session/new route.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (ar.Session, error) {
	var resp struct {
		Success   bool   `json:"success"`
		SessionID string `json:"session_id"`
		Error     string `json:"error"`
	}
	if err := c.postJSON(ctx, "/api/v1/acp/session/new", map[string]string{"cwd": directory}, &resp); err != nil {
		return ar.Session{}, err
	}
	if !resp.Success {
		return ar.Session{}, fmt.Errorf("acp ar client: session/new failed: %s", resp.Error)
	}
	return ar.Session{ID: resp.SessionID, Title: title}, nil
}

// ListMessages has no direct ACP equivalent for message history replay:
// the bridge only streams live updates, so this always returns an error.
// The conversation manager does not reconstruct history from the
// streamed updates, so its prompt-awaiting calls fail for ACP-backed
// sessions.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]ar.Message, error) {
	return nil, fmt.Errorf("acp ar client: ListMessages unsupported, use streamed updates")
}

// PromptAsync implements ar.Client via the bridge's prompt route, which
// fires the ACP session/prompt call and returns immediately; completion
// arrives over the update stream.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, text string, agent string, model *ar.ModelRef) error {
	body := map[string]any{"session_id": sessionID, "text": text}
	if model != nil {
		body["model"] = map[string]string{"provider_id": model.ProviderID, "model_id": model.ModelID}
	}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.postJSON(ctx, "/api/v1/acp/prompt", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("acp ar client: prompt failed: %s", resp.Error)
	}
	return nil
}

// Abort implements ar.Client via the bridge's session cancel route.
func (c *Client) Abort(ctx context.Context, sessionID, directory string) error {
	return c.postJSON(ctx, "/api/v1/acp/session/cancel", map[string]string{"session_id": sessionID}, nil)
}

// Providers is not part of the ACP handshake; ACP agents expose a single
// implicit model the bridge was launched with.
func (c *Client) Providers(ctx context.Context, directory string) (ar.ProvidersResponse, error) {
	return ar.ProvidersResponse{}, nil
}

// SubscribeEvents opens the bridge's update WebSocket and translates ACP
// session notifications into normalized ar.Events.
func (c *Client) SubscribeEvents(ctx context.Context, directory string) (ar.EventStream, error) {
	wsURL := strings.Replace(c.baseURL, "http://", "ws://", 1) + "/api/v1/acp/stream/updates"
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("acp ar client: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("acp ar client: stream updates: %w", err)
	}
	return &wsStream{conn: conn, logger: c.logger}, nil
}

type wsStream struct {
	conn   *websocket.Conn
	logger *logging.Logger
}

func (s *wsStream) Next(ctx context.Context) (ar.Event, bool, error) {
	type frame struct {
		Type      string         `json:"type"`
		SessionID string         `json:"session_id"`
		Payload   map[string]any `json:"payload"`
	}
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ar.Event{}, false, nil
			}
			return ar.Event{}, false, fmt.Errorf("acp ar client: read update: %w", err)
		}
		if f.Type == "" {
			continue
		}
		props := f.Payload
		if props == nil {
			props = map[string]any{}
		}
		if f.SessionID != "" {
			props["sessionID"] = f.SessionID
		}
		return ar.Event{Type: translateACPNotificationType(f.Type), Properties: props}, true, nil
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// translateACPNotificationType maps the bridge's ACP update kinds onto
// the AR's native event-type vocabulary, so the Conversation Manager's
// activity/idle detection works identically regardless of backend.
func translateACPNotificationType(kind string) string {
	switch kind {
	case "agent_message_chunk", "agent_thought_chunk", "tool_call", "tool_call_update":
		return "message.part.updated"
	case "plan":
		return "message.updated"
	case "turn_end", "end_turn":
		return "session.idle"
	case "error":
		return "session.error"
	default:
		return kind
	}
}
