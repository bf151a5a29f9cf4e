package ar

// normalizeEvent collapses the AR's two wire shapes for event.subscribe
// messages into one Event value (spec.md §6, §9). Some AR versions emit
// {"type": "...", "properties": {...}} at the top level; others nest the
// same fields under a "payload" envelope. Callers never see the
// difference.
func normalizeEvent(raw map[string]any) (Event, bool) {
	if payload, ok := raw["payload"].(map[string]any); ok {
		return eventFromFields(payload)
	}
	return eventFromFields(raw)
}

func eventFromFields(fields map[string]any) (Event, bool) {
	typ, ok := fields["type"].(string)
	if !ok || typ == "" {
		return Event{}, false
	}
	props, _ := fields["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	return Event{Type: typ, Properties: props}, true
}

// SessionIDFromEvent extracts the session id an event applies to, when
// one is present, so callers can filter a directory-wide stream down to
// the session they are awaiting.
func SessionIDFromEvent(ev Event) (string, bool) {
	if sid, ok := ev.Properties["sessionID"].(string); ok && sid != "" {
		return sid, true
	}
	if info, ok := ev.Properties["info"].(map[string]any); ok {
		if sid, ok := info["sessionID"].(string); ok && sid != "" {
			return sid, true
		}
	}
	if part, ok := ev.Properties["part"].(map[string]any); ok {
		if sid, ok := part["sessionID"].(string); ok && sid != "" {
			return sid, true
		}
	}
	return "", false
}

// idleStatusTypes are the session.status status.type values that count
// as an idle indicator (spec.md §4.7 step 7).
var idleStatusTypes = map[string]bool{"idle": true, "completed": true, "done": true}

// IsIdleEvent reports whether ev signals that a session has gone idle:
// session.idle, session.completed, or session.status with a terminal
// status.type.
func IsIdleEvent(ev Event) bool {
	switch ev.Type {
	case "session.idle", "session.completed":
		return true
	case "session.status":
		if status, ok := ev.Properties["status"].(map[string]any); ok {
			if t, ok := status["type"].(string); ok {
				return idleStatusTypes[t]
			}
		}
	}
	return false
}

// IsActivityEvent reports whether ev signals that a session produced or
// is producing output: message/part updates, or a non-idle status.
func IsActivityEvent(ev Event) bool {
	switch ev.Type {
	case "message.updated", "message.part.updated", "message.part.removed", "message.removed":
		return true
	case "session.status":
		return !IsIdleEvent(ev)
	default:
		return false
	}
}

// SessionErrorMessage extracts the human-readable error from a
// session.error event: properties.error.data.message, falling back to
// .name, falling back to a generic message (spec.md §4.7 step 8).
func SessionErrorMessage(ev Event) string {
	errField, ok := ev.Properties["error"].(map[string]any)
	if !ok {
		return "Session execution failed."
	}
	if data, ok := errField["data"].(map[string]any); ok {
		if msg, ok := data["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if name, ok := errField["name"].(string); ok && name != "" {
		return name
	}
	return "Session execution failed."
}
