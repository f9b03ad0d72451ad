package chat

import (
	"encoding/json"
	"fmt"
)

// SSE event names emitted by the orchestrator, in order: one meta, any number
// of deltas, then exactly one final or error.
const (
	EventMeta  = "meta"
	EventDelta = "delta"
	EventFinal = "final"
	EventError = "error"
)

// formatEvent serializes a named SSE event with compact JSON data.
func formatEvent(event string, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are built from plain maps and strings; this cannot fail in
		// practice, but a broken frame must not break framing.
		data = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

// formatComment serializes an SSE comment, used as a keep-alive heartbeat.
// Conforming clients ignore it silently.
func formatComment(comment string) string {
	return fmt.Sprintf(": %s\n\n", comment)
}
