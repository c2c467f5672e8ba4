// Package events defines the typed event surface of the runtime and the
// in-process bus that fans events out to application subscribers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/mesh-go/pkg/wire"
)

// Type tags an event. The set is closed; subscribers filter on it.
type Type string

const (
	TypeMessageReceived  Type = "message:received"
	TypeMessageSent      Type = "message:sent"
	TypeMessageDuplicate Type = "message:duplicate"
	TypeMessageError     Type = "message:error"

	TypeAuthChallenge Type = "auth:challenge"
	TypeAuthSuccess   Type = "auth:success"
	TypeAuthError     Type = "auth:error"
	TypeAuthState     Type = "auth:state"

	TypeConnOpen         Type = "connection:open"
	TypeConnClose        Type = "connection:close"
	TypeConnState        Type = "connection:state"
	TypeConnReady        Type = "connection:ready"
	TypeConnReconnecting Type = "connection:reconnecting"
	TypeConnReconnected  Type = "connection:reconnected"
	TypeConnDisconnect   Type = "connection:disconnect"

	TypeAgentsList      Type = "agents:list"
	TypeAgentSelected   Type = "agent:selected"
	TypeAgentRegistered Type = "agent:registered"
	TypeAgentResponse   Type = "agent:response"
	TypeTaskCreated     Type = "task:created"

	TypeRoomJoined Type = "room:joined"
	TypeRoomLeft   Type = "room:left"
	TypeRoomList   Type = "room:list"

	TypeWebhookSent    Type = "webhook:sent"
	TypeWebhookSuccess Type = "webhook:success"
	TypeWebhookRetry   Type = "webhook:retry"
	TypeWebhookError   Type = "webhook:error"
	TypeWebhookDropped Type = "webhook:dropped"

	TypeError Type = "error"
)

// Event is one occurrence on the bus. Frame is set for events born from
// wire traffic, Err for failure events; Data carries everything else.
type Event struct {
	Type   Type                   `json:"type"`
	ID     string                 `json:"id"`
	Time   time.Time              `json:"time"`
	Source string                 `json:"source,omitempty"`
	Frame  *wire.Frame            `json:"frame,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Err    error                  `json:"-"`
}

// New builds an event with a fresh id and the current time.
func New(t Type, source string, data map[string]interface{}) *Event {
	return &Event{
		Type:   t,
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Source: source,
		Data:   data,
	}
}

// WithFrame attaches a defensive copy of the frame.
func (e *Event) WithFrame(f *wire.Frame) *Event {
	if f != nil {
		e.Frame = f.Clone()
	}
	return e
}

// WithError attaches the failure that produced the event.
func (e *Event) WithError(err error) *Event {
	e.Err = err
	return e
}
