package ar

import "testing"

func TestSessionIDFromEventTopLevel(t *testing.T) {
	ev := Event{Type: "session.status", Properties: map[string]any{"sessionID": "sess-1"}}
	sid, ok := SessionIDFromEvent(ev)
	if !ok || sid != "sess-1" {
		t.Errorf("SessionIDFromEvent = %q, %v; want sess-1, true", sid, ok)
	}
}

func TestSessionIDFromEventNestedInInfo(t *testing.T) {
	ev := Event{Type: "message.updated", Properties: map[string]any{
		"info": map[string]any{"sessionID": "sess-2"},
	}}
	sid, ok := SessionIDFromEvent(ev)
	if !ok || sid != "sess-2" {
		t.Errorf("SessionIDFromEvent = %q, %v; want sess-2, true", sid, ok)
	}
}

func TestSessionIDFromEventNestedInPart(t *testing.T) {
	ev := Event{Type: "message.part.updated", Properties: map[string]any{
		"part": map[string]any{"sessionID": "sess-3"},
	}}
	sid, ok := SessionIDFromEvent(ev)
	if !ok || sid != "sess-3" {
		t.Errorf("SessionIDFromEvent = %q, %v; want sess-3, true", sid, ok)
	}
}

func TestSessionIDFromEventMissing(t *testing.T) {
	ev := Event{Type: "message.updated", Properties: map[string]any{}}
	if _, ok := SessionIDFromEvent(ev); ok {
		t.Error("expected ok=false when no sessionID is present anywhere")
	}
}

func TestIsIdleEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want bool
	}{
		{"session.idle", Event{Type: "session.idle"}, true},
		{"session.completed", Event{Type: "session.completed"}, true},
		{
			"session.status idle",
			Event{Type: "session.status", Properties: map[string]any{"status": map[string]any{"type": "idle"}}},
			true,
		},
		{
			"session.status running",
			Event{Type: "session.status", Properties: map[string]any{"status": map[string]any{"type": "running"}}},
			false,
		},
		{"message.updated", Event{Type: "message.updated"}, false},
	}
	for _, c := range cases {
		if got := IsIdleEvent(c.ev); got != c.want {
			t.Errorf("%s: IsIdleEvent() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIsActivityEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want bool
	}{
		{"message.updated", Event{Type: "message.updated"}, true},
		{"message.part.updated", Event{Type: "message.part.updated"}, true},
		{"message.part.removed", Event{Type: "message.part.removed"}, true},
		{"message.removed", Event{Type: "message.removed"}, true},
		{
			"session.status running is activity",
			Event{Type: "session.status", Properties: map[string]any{"status": map[string]any{"type": "running"}}},
			true,
		},
		{
			"session.status idle is not activity",
			Event{Type: "session.status", Properties: map[string]any{"status": map[string]any{"type": "idle"}}},
			false,
		},
		{"session.error", Event{Type: "session.error"}, false},
	}
	for _, c := range cases {
		if got := IsActivityEvent(c.ev); got != c.want {
			t.Errorf("%s: IsActivityEvent() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSessionErrorMessagePrefersDataMessage(t *testing.T) {
	ev := Event{Properties: map[string]any{
		"error": map[string]any{
			"data": map[string]any{"message": "disk full"},
			"name": "IOError",
		},
	}}
	if got := SessionErrorMessage(ev); got != "disk full" {
		t.Errorf("SessionErrorMessage() = %q, want %q", got, "disk full")
	}
}

func TestSessionErrorMessageFallsBackToName(t *testing.T) {
	ev := Event{Properties: map[string]any{
		"error": map[string]any{"name": "IOError"},
	}}
	if got := SessionErrorMessage(ev); got != "IOError" {
		t.Errorf("SessionErrorMessage() = %q, want %q", got, "IOError")
	}
}

func TestSessionErrorMessageGenericFallback(t *testing.T) {
	ev := Event{Properties: map[string]any{}}
	if got := SessionErrorMessage(ev); got != "Session execution failed." {
		t.Errorf("SessionErrorMessage() = %q, want generic fallback", got)
	}
}

func TestNormalizeEventTopLevelAndPayloadShapes(t *testing.T) {
	topLevel := map[string]any{"type": "session.idle", "properties": map[string]any{"sessionID": "s1"}}
	ev, ok := normalizeEvent(topLevel)
	if !ok || ev.Type != "session.idle" {
		t.Errorf("normalizeEvent(top-level) = %+v, %v", ev, ok)
	}

	wrapped := map[string]any{"payload": map[string]any{"type": "session.idle", "properties": map[string]any{"sessionID": "s2"}}}
	ev, ok = normalizeEvent(wrapped)
	if !ok || ev.Type != "session.idle" {
		t.Errorf("normalizeEvent(payload-wrapped) = %+v, %v", ev, ok)
	}

	missingType := map[string]any{"properties": map[string]any{}}
	if _, ok := normalizeEvent(missingType); ok {
		t.Error("expected ok=false when type is missing")
	}
}
