package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/ar"
)

// defaultAwaitTimeout matches the source contract's timeoutMs default.
const defaultAwaitTimeout = 45 * time.Second

// eventTick is the per-event-stream wait bound (spec.md §4.7 step 6).
const eventTick = time.Second

// AwaitParams are the normalized inputs shared by
// SendInitialPromptAndAwaitMessages and SendFollowUpPromptAndAwaitMessages.
type AwaitParams struct {
	SessionID                 string
	Prompt                    string
	WorktreeDirectoryOverride string
	Agent                     string
	Model                     *ar.ModelRef
	Timeout                   time.Duration // zero means defaultAwaitTimeout
	OnMessage                 func(ar.Message)
}

// PromptSubmission records when and what was submitted.
type PromptSubmission struct {
	SessionID   string
	Prompt      string
	SubmittedAt time.Time
}

// AwaitResult is the return value of both awaiting operations.
type AwaitResult struct {
	Submission  PromptSubmission
	SDKMessages []ar.Message
}

// SendInitialPromptAndAwaitMessages submits prompt and awaits the
// assistant's response. See SendFollowUpPromptAndAwaitMessages — the two
// share one implementation, matching their identical documented
// semantics.
func (m *Manager) SendInitialPromptAndAwaitMessages(ctx context.Context, p AwaitParams) (AwaitResult, error) {
	return m.awaitMessages(ctx, p)
}

// SendFollowUpPromptAndAwaitMessages submits a follow-up prompt on an
// existing session and awaits the assistant's response.
func (m *Manager) SendFollowUpPromptAndAwaitMessages(ctx context.Context, p AwaitParams) (AwaitResult, error) {
	return m.awaitMessages(ctx, p)
}

func (m *Manager) awaitMessages(ctx context.Context, p AwaitParams) (AwaitResult, error) {
	sessionID := strings.TrimSpace(p.SessionID)
	prompt := strings.TrimSpace(p.Prompt)
	if sessionID == "" {
		return AwaitResult{}, fmt.Errorf("conversation manager: sessionID is required")
	}
	if prompt == "" {
		return AwaitResult{}, fmt.Errorf("conversation manager: prompt is required")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}

	sess, err := m.requireSession(sessionID)
	if err != nil {
		return AwaitResult{}, err
	}

	// Step 1: resolve worktree directory — explicit override > remembered > fail.
	directory := p.WorktreeDirectoryOverride
	if directory == "" {
		directory = sess.WorktreeDirectory
	}
	if directory == "" {
		return AwaitResult{}, fmt.Errorf("conversation manager: no worktree directory for session %s", sessionID)
	}

	client, err := m.runtime.GetClient(ctx, directory)
	if err != nil {
		return AwaitResult{}, fmt.Errorf("conversation manager: %w", err)
	}

	// Step 2: resolve the model — caller override > remembered > first
	// AR default that exists in a provider's model set.
	model, err := m.resolveModel(ctx, client, directory, sess, p.Model)
	if err != nil {
		return AwaitResult{}, fmt.Errorf("conversation manager: resolve model: %w", err)
	}
	if model != nil {
		m.rememberModel(sessionID, *model)
	}

	// Step 3: snapshot current messages as the delta baseline.
	baseline, err := m.snapshotSignatures(ctx, client, sessionID)
	if err != nil {
		return AwaitResult{}, fmt.Errorf("conversation manager: snapshot messages: %w", err)
	}

	// Step 4: open the event stream for the worktree.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	stream, err := client.SubscribeEvents(streamCtx, directory)
	if err != nil {
		return AwaitResult{}, fmt.Errorf("conversation manager: subscribe events: %w", err)
	}
	defer stream.Close()

	// Step 5: submit the prompt (fire-and-acknowledge).
	submittedAt := time.Now()
	if err := client.PromptAsync(ctx, sessionID, prompt, p.Agent, model); err != nil {
		return AwaitResult{}, fmt.Errorf("conversation manager: prompt: %w", err)
	}

	// Steps 6-7: consume events, polling on activity and on timeout
	// ticks, terminating on an idle indicator seen after activity.
	var observed []ar.Message
	sawActivity := false
	deadline := time.Now().Add(timeout)

loop:
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break loop
		}
		wait := eventTick
		if remaining < wait {
			wait = remaining
		}

		tickCtx, cancelTick := context.WithTimeout(streamCtx, wait)
		ev, ok, err := stream.Next(tickCtx)
		cancelTick()

		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			// Timeout tick with no event: poll anyway (step 6).
			newMsgs, pollErr := m.pollNewMessages(ctx, client, sessionID, baseline, p.OnMessage)
			if pollErr == nil {
				observed = append(observed, newMsgs...)
			}
			continue loop
		case err != nil:
			return AwaitResult{}, fmt.Errorf("conversation manager: event stream: %w", err)
		case !ok:
			break loop
		}

		sid, hasSID := ar.SessionIDFromEvent(ev)
		if hasSID && sid != sessionID {
			continue loop
		}

		// Step 8: surface session.error immediately.
		if ev.Type == "session.error" {
			return AwaitResult{}, fmt.Errorf("conversation manager: %s", ar.SessionErrorMessage(ev))
		}

		// Reset the deadline on every session-scoped event.
		deadline = time.Now().Add(timeout)

		if ar.IsActivityEvent(ev) {
			sawActivity = true
			newMsgs, pollErr := m.pollNewMessages(ctx, client, sessionID, baseline, p.OnMessage)
			if pollErr == nil {
				observed = append(observed, newMsgs...)
			}
		}
		if ar.IsIdleEvent(ev) && sawActivity {
			break loop
		}
	}

	// Step 9: final poll; require at least one assistant-role message.
	finalMsgs, err := m.pollNewMessages(ctx, client, sessionID, baseline, p.OnMessage)
	if err == nil {
		observed = append(observed, finalMsgs...)
	}

	if !anyAssistantMessage(observed) {
		return AwaitResult{}, fmt.Errorf("conversation manager: timed out waiting for assistant response on session %s", sessionID)
	}

	m.touchLastMessageAt(sessionID, time.Now())

	return AwaitResult{
		Submission:  PromptSubmission{SessionID: sessionID, Prompt: prompt, SubmittedAt: submittedAt},
		SDKMessages: observed,
	}, nil
}

// resolveModel implements step 2's override precedence.
func (m *Manager) resolveModel(ctx context.Context, client ar.Client, directory string, sess *Session, override *ar.ModelRef) (*ar.ModelRef, error) {
	if override != nil {
		return override, nil
	}
	if sess.Model != nil {
		return sess.Model, nil
	}

	providers, err := client.Providers(ctx, directory)
	if err != nil {
		return nil, err
	}
	for _, p := range providers.Providers {
		modelID, ok := providers.Default[p.ID]
		if !ok {
			continue
		}
		if _, ok := p.Models[modelID]; ok {
			return &ar.ModelRef{ProviderID: p.ID, ModelID: modelID}, nil
		}
	}
	return nil, nil
}

// messageSignature is the "state signature" used to detect deltas: role,
// createdAt, a joined text preview, part count, and whether an error is
// present (spec.md §4.7 step 3).
type messageSignature struct {
	role      string
	createdAt int64
	preview   string
	partCount int
	hasError  bool
}

func signatureOf(msg ar.Message) messageSignature {
	var sb strings.Builder
	for _, part := range msg.Parts {
		sb.WriteString(part.Text)
	}
	preview := sb.String()
	if len(preview) > 256 {
		preview = preview[:256]
	}
	return messageSignature{
		role:      msg.Info.Role,
		createdAt: msg.Info.CreatedAt,
		preview:   preview,
		partCount: len(msg.Parts),
		hasError:  msg.Info.Error != "",
	}
}

func (m *Manager) snapshotSignatures(ctx context.Context, client ar.Client, sessionID string) (map[string]messageSignature, error) {
	msgs, err := client.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sigs := make(map[string]messageSignature, len(msgs))
	for _, msg := range msgs {
		sigs[msg.Info.ID] = signatureOf(msg)
	}
	return sigs, nil
}

// pollNewMessages re-lists messages, diffs against baseline by state
// signature, forwards new/changed ones to onMessage, and updates
// baseline in place so subsequent polls only see further deltas.
func (m *Manager) pollNewMessages(ctx context.Context, client ar.Client, sessionID string, baseline map[string]messageSignature, onMessage func(ar.Message)) ([]ar.Message, error) {
	msgs, err := client.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var changed []ar.Message
	for _, msg := range msgs {
		sig := signatureOf(msg)
		if prev, ok := baseline[msg.Info.ID]; ok && prev == sig {
			continue
		}
		baseline[msg.Info.ID] = sig
		changed = append(changed, msg)
		if onMessage != nil {
			onMessage(msg)
		}
	}
	return changed, nil
}

func anyAssistantMessage(msgs []ar.Message) bool {
	for _, msg := range msgs {
		if msg.Info.Role == "assistant" {
			return true
		}
	}
	return false
}
