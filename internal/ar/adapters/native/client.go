// Package native implements ar.Client against the AR's own HTTP+SSE
// protocol (spec.md §6): a handful of JSON POST endpoints plus one
// Server-Sent-Events stream per directory.
package native

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/ar"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/tracing"
)

// Client talks to one AR instance over HTTP+SSE.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.Logger
}

// Dialer constructs native Clients. It satisfies ar.Dialer.
type Dialer struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// Dial builds a Client bound to hostname:port. directory is not part of
// the connection itself — the native protocol takes it per-request — but
// is accepted to satisfy ar.Dialer's signature.
func (d Dialer) Dial(ctx context.Context, hostname string, port int, directory string) (ar.Client, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", hostname, port),
		http:    &http.Client{Timeout: timeout},
		logger:  d.Logger,
	}, nil
}

func (c *Client) post(ctx context.Context, method string, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("native ar client: marshal %s: %w", method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.ReplaceAll(method, ".", "/"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("native ar client: build request %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("native ar client: %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("native ar client: %s: status %d", method, httpResp.StatusCode)
	}
	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("native ar client: decode %s response: %w", method, err)
	}
	return nil
}

type createSessionResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// CreateSession implements ar.Client via session.create.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (ar.Session, error) {
	ctx, span := tracing.TraceARRequest(ctx, "native", "session.create", "")
	var resp createSessionResponse
	req := map[string]any{"directory": directory}
	if title != "" {
		req["title"] = title
	}
	if err := c.post(ctx, "session.create", req, &resp); err != nil {
		tracing.EndSpan(span, err)
		return ar.Session{}, err
	}
	tracing.EndSpan(span, nil)
	id := resp.ID
	if id == "" {
		id = resp.SessionID
	}
	return ar.Session{ID: id, Title: resp.Title, CreatedAt: resp.CreatedAt, UpdatedAt: resp.UpdatedAt}, nil
}

type messageInfoWire struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	SessionID string `json:"sessionID"`
	Time      struct {
		Created int64 `json:"created"`
	} `json:"time"`
	Error string `json:"error"`
}

type messagePartWire struct {
	Type string         `json:"type"`
	Text string         `json:"text"`
	Raw  map[string]any `json:"-"`
}

type messageWire struct {
	Info  messageInfoWire   `json:"info"`
	Parts []messagePartWire `json:"parts"`
}

// ListMessages implements ar.Client via session.messages.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]ar.Message, error) {
	var resp []messageWire
	if err := c.post(ctx, "session.messages", map[string]any{"sessionID": sessionID}, &resp); err != nil {
		return nil, err
	}
	out := make([]ar.Message, 0, len(resp))
	for _, m := range resp {
		parts := make([]ar.MessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			parts = append(parts, ar.MessagePart{Type: p.Type, Text: p.Text})
		}
		out = append(out, ar.Message{
			Info: ar.MessageInfo{
				ID:        m.Info.ID,
				Role:      m.Info.Role,
				SessionID: m.Info.SessionID,
				CreatedAt: m.Info.Time.Created,
				Error:     m.Info.Error,
			},
			Parts: parts,
		})
	}
	return out, nil
}

// PromptAsync implements ar.Client via session.promptAsync — a
// fire-and-forget acknowledgement; the actual response streams back
// through event.subscribe.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, text string, agent string, model *ar.ModelRef) error {
	ctx, span := tracing.TraceARRequest(ctx, "native", "session.promptAsync", sessionID)
	req := map[string]any{
		"sessionID": sessionID,
		"parts":     []map[string]any{{"type": "text", "text": text}},
	}
	if agent != "" {
		req["agent"] = agent
	}
	if model != nil {
		req["model"] = map[string]any{"providerID": model.ProviderID, "modelID": model.ModelID}
	}
	err := c.post(ctx, "session.promptAsync", req, nil)
	tracing.EndSpan(span, err)
	return err
}

// Abort implements ar.Client via session.abort.
func (c *Client) Abort(ctx context.Context, sessionID, directory string) error {
	ctx, span := tracing.TraceARRequest(ctx, "native", "session.abort", sessionID)
	err := c.post(ctx, "session.abort", map[string]any{"id": sessionID, "directory": directory}, nil)
	tracing.EndSpan(span, err)
	return err
}

type providersResponseWire struct {
	Providers []struct {
		ID     string                 `json:"id"`
		Models map[string]interface{} `json:"models"`
	} `json:"providers"`
	Default map[string]string `json:"default"`
}

// Providers implements ar.Client via config.providers.
func (c *Client) Providers(ctx context.Context, directory string) (ar.ProvidersResponse, error) {
	var resp providersResponseWire
	if err := c.post(ctx, "config.providers", map[string]any{"directory": directory}, &resp); err != nil {
		return ar.ProvidersResponse{}, err
	}
	out := ar.ProvidersResponse{Default: resp.Default}
	for _, p := range resp.Providers {
		models := make(map[string]struct{}, len(p.Models))
		for modelID := range p.Models {
			models[modelID] = struct{}{}
		}
		out.Providers = append(out.Providers, ar.Provider{ID: p.ID, Models: models})
	}
	return out, nil
}

// SubscribeEvents implements ar.Client via event.subscribe, opening a
// Server-Sent-Events connection and decoding each `data:` line as a
// directory-scoped event.
func (c *Client) SubscribeEvents(ctx context.Context, directory string) (ar.EventStream, error) {
	q := url.Values{"directory": []string{directory}}
	reqURL := c.baseURL + "/event/subscribe?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("native ar client: event.subscribe: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("native ar client: event.subscribe: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("native ar client: event.subscribe: status %d", resp.StatusCode)
	}

	return &sseStream{resp: resp, scanner: bufio.NewScanner(resp.Body), logger: c.logger}, nil
}

type sseStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	logger  *logging.Logger
}

func (s *sseStream) Next(ctx context.Context) (ar.Event, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return ar.Event{}, false, ctx.Err()
		default:
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				s.logger.WithError(err).Warn("ar event stream scan failed")
				return ar.Event{}, false, fmt.Errorf("native ar client: event stream: %w", err)
			}
			return ar.Event{}, false, nil
		}
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if raw == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			continue
		}
		ev, ok := eventFromWire(fields)
		if !ok {
			continue
		}
		sessionID, _ := ar.SessionIDFromEvent(ev)
		tracing.TraceAREvent(ctx, "native", sessionID, ev.Type, []byte(raw))
		return ev, true, nil
	}
}

func (s *sseStream) Close() error {
	return s.resp.Body.Close()
}

func eventFromWire(raw map[string]any) (ar.Event, bool) {
	fields := raw
	if payload, ok := raw["payload"].(map[string]any); ok {
		fields = payload
	}
	typ, ok := fields["type"].(string)
	if !ok || typ == "" {
		return ar.Event{}, false
	}
	props, _ := fields["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	return ar.Event{Type: typ, Properties: props}, true
}
