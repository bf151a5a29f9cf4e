// Package eventbus implements the sequenced envelope dispatcher that fans
// lifecycle events, UI updates, and log entries out to subscribers.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/logging"
)

// Envelope is the wire shape of every emitted event: a monotonic sequence
// assigned at emit time, never re-ordered or re-numbered.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   any         `json:"payload"`
	Sequence  int64       `json:"sequence"`
	EmittedAt time.Time   `json:"emittedAt"`
}

// UIUpdate is derived from a lifecycle envelope by splitting its dotted
// type into scope/action.
type UIUpdate struct {
	Sequence  int64     `json:"sequence"`
	EmittedAt time.Time `json:"emittedAt"`
	TaskID    string    `json:"taskId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	Scope     string    `json:"scope"`
	Action    string    `json:"action"`
	EventType string    `json:"eventType"`
}

// NormalizedError is the structured shape a raw error is reduced to before
// being carried on a LogEntry.
type NormalizedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LogEntry is derived from any emitted envelope.
type LogEntry struct {
	Sequence  int64            `json:"sequence"`
	EmittedAt time.Time        `json:"emittedAt"`
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	TaskID    string           `json:"taskId,omitempty"`
	ProjectID string           `json:"projectId,omitempty"`
	Source    string           `json:"source"`
	EventType string           `json:"eventType,omitempty"`
	Raw       any              `json:"raw,omitempty"`
	Error     *NormalizedError `json:"error,omitempty"`
}

// Subscriber receives every envelope the bus dispatches. A subscriber may
// optionally restrict itself to a set of event types by passing them to
// Subscribe; passing none means "all types".
type Subscriber func(Envelope)

type subscription struct {
	id     uint64
	fn     Subscriber
	types  map[string]struct{}
	isUI   bool
	isLog  bool
	uiFn   func(UIUpdate)
	logFn  func(LogEntry)
}

// payloadWithTaskProject is satisfied by lifecycle payloads carrying task
// and project identifiers, used to populate UIUpdate/LogEntry fields.
type payloadWithTaskProject interface {
	EventTaskID() string
	EventProjectID() string
}

// Bus is the single-threaded cooperative event dispatcher of spec.md §4.8.
// Emit calls are serialized by emitMu so that sequence assignment and
// fan-out happen in one step, which is what gives subscribers the
// strictly-increasing-sequence-order guarantee; mu guards the subscriber
// set and counter.
type Bus struct {
	emitMu  sync.Mutex
	mu      sync.Mutex
	counter int64
	subs    map[uint64]*subscription
	nextID  uint64
	logger  *logging.Logger

	// mirror, when non-nil, receives every envelope for an optional
	// out-of-process fan-out (e.g. NATS). It must never block or error
	// the primary dispatch; failures are logged and swallowed.
	mirror func(Envelope)
}

// New constructs an empty Bus.
func New(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Bus{subs: make(map[uint64]*subscription), logger: logger}
}

// SetMirror installs an optional fan-out sink invoked after every local
// dispatch completes. Used to mirror envelopes onto NATS.
func (b *Bus) SetMirror(fn func(Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = fn
}

// Emit assigns the envelope its sequence number and dispatches it to every
// subscriber, then — for lifecycle events — derives and dispatches a
// UIUpdate, then derives and dispatches a LogEntry.
func (b *Bus) Emit(eventType string, payload any) Envelope {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	b.counter++
	env := Envelope{Type: eventType, Payload: payload, Sequence: b.counter, EmittedAt: time.Now()}

	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil {
			subs = append(subs, s)
			continue
		}
		if _, ok := s.types[eventType]; ok {
			subs = append(subs, s)
		}
	}
	mirror := b.mirror
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatchSafely(s, env)
	}

	if mirror != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithSource("runtime.listener").Warn("event mirror panicked", zap.Any("recover", r))
				}
			}()
			mirror(env)
		}()
	}

	return env
}

func (b *Bus) dispatchSafely(s *subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithSource("runtime.listener").Error("subscriber panicked", zap.Any("recover", r), zap.String("event_type", env.Type))
		}
	}()
	if s.fn != nil {
		s.fn(env)
	}
	if s.isUI {
		if up, ok := deriveUIUpdate(env); ok && s.uiFn != nil {
			s.uiFn(up)
		}
	}
	if s.isLog {
		if s.logFn != nil {
			s.logFn(deriveLogEntry(env))
		}
	}
}

// Subscribe registers a general subscriber, optionally filtered to the
// given event types, and returns an idempotent disposer.
func (b *Bus) Subscribe(fn Subscriber, types ...string) func() {
	return b.add(&subscription{fn: fn, types: typeSet(types)})
}

// SubscribeUI registers a subscriber that only receives derived UI
// updates for lifecycle events.
func (b *Bus) SubscribeUI(fn func(UIUpdate)) func() {
	return b.add(&subscription{isUI: true, uiFn: fn})
}

// SubscribeLog registers a subscriber that only receives derived log
// entries.
func (b *Bus) SubscribeLog(fn func(LogEntry)) func() {
	return b.add(&subscription{isLog: true, logFn: fn})
}

func (b *Bus) add(s *subscription) func() {
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
		})
	}
}

func typeSet(types []string) map[string]struct{} {
	if len(types) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

var lifecyclePrefixes = map[string]struct{}{
	"task": {},
}

func isLifecycleType(eventType string) bool {
	return eventType != "log.appended"
}

func deriveUIUpdate(env Envelope) (UIUpdate, bool) {
	if !isLifecycleType(env.Type) {
		return UIUpdate{}, false
	}
	scope, action := splitType(env.Type)
	up := UIUpdate{
		Sequence:  env.Sequence,
		EmittedAt: env.EmittedAt,
		Scope:     scope,
		Action:    action,
		EventType: env.Type,
	}
	if p, ok := env.Payload.(payloadWithTaskProject); ok {
		up.TaskID = p.EventTaskID()
		up.ProjectID = p.EventProjectID()
	}
	return up, true
}

func deriveLogEntry(env Envelope) LogEntry {
	if env.Type == "log.appended" {
		if lp, ok := env.Payload.(LogAppendedPayload); ok {
			return LogEntry{
				Sequence:  env.Sequence,
				EmittedAt: env.EmittedAt,
				Level:     lp.Level,
				Message:   lp.Message,
				TaskID:    lp.TaskID,
				ProjectID: lp.ProjectID,
				Source:    lp.Source,
				EventType: env.Type,
				Raw:       lp.Raw,
				Error:     lp.Error,
			}
		}
	}

	level := "info"
	if env.Type == "task.failed" {
		level = "error"
	}
	scope, action := splitType(env.Type)
	entry := LogEntry{
		Sequence:  env.Sequence,
		EmittedAt: env.EmittedAt,
		Level:     level,
		Message:   defaultMessage(scope, action, env.Type),
		Source:    "task-orchestrator",
		EventType: env.Type,
	}
	if p, ok := env.Payload.(payloadWithTaskProject); ok {
		entry.TaskID = p.EventTaskID()
		entry.ProjectID = p.EventProjectID()
	}
	return entry
}

func splitType(eventType string) (scope, action string) {
	idx := strings.Index(eventType, ".")
	if idx < 0 {
		return eventType, ""
	}
	return eventType[:idx], eventType[idx+1:]
}

func defaultMessage(scope, action, eventType string) string {
	if scope == "" {
		return eventType
	}
	return scope + " " + strings.ReplaceAll(action, ".", " ")
}

// LogAppendedPayload is the payload shape for explicit log.appended
// events, which pass their level/message/raw straight through instead of
// being derived from a lifecycle default.
type LogAppendedPayload struct {
	Level     string
	Message   string
	TaskID    string
	ProjectID string
	Source    string
	Raw       any
	Error     *NormalizedError
}

// NormalizeError reduces any error into the {name, message, stack?} shape
// spec.md §4.2 asks every emitter to normalize errors to.
func NormalizeError(err error) *NormalizedError {
	if err == nil {
		return nil
	}
	return &NormalizedError{Name: "error", Message: err.Error()}
}
