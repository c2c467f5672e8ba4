package webhook

import (
	"encoding/json"
	"time"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// EventType is the closed set of event kinds a webhook target can receive.
type EventType string

const (
	EventMessage         EventType = "message"
	EventTask            EventType = "task"
	EventTaskResponse    EventType = "task_response"
	EventAgentSelected   EventType = "agent_selected"
	EventError           EventType = "error"
	EventConnectionState EventType = "connection_state"
	EventAuthState       EventType = "auth_state"
)

var validEvents = map[EventType]struct{}{
	EventMessage: {}, EventTask: {}, EventTaskResponse: {},
	EventAgentSelected: {}, EventError: {}, EventConnectionState: {},
	EventAuthState: {},
}

// Valid reports whether e belongs to the event enum.
func (e EventType) Valid() bool {
	_, ok := validEvents[e]
	return ok
}

// Payload is the body POSTed to the webhook target.
type Payload struct {
	Event     EventType              `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// newPayload stamps and validates a payload for the given event.
func newPayload(event EventType, data interface{}, meta map[string]interface{}) (Payload, error) {
	p := Payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
		Metadata:  meta,
	}
	if !event.Valid() {
		return p, mesherr.Newf(mesherr.CodeValidation, "unknown webhook event kind %q", event)
	}
	if _, err := json.Marshal(p); err != nil {
		return p, mesherr.Wrap(mesherr.CodeValidation, err, "webhook payload is not serializable")
	}
	return p, nil
}
