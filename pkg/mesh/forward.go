package mesh

import (
	"github.com/agentmesh/mesh-go/internal/webhook"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

// forward pumps bus events into the webhook engine. Handlers never touch
// webhook I/O themselves; this is the only bridge. Runs until the bus
// closes.
func (c *Client) forward() {
	defer close(c.fwdDone)
	for e := range c.fwd {
		event, data, ok := mapWebhookEvent(e)
		if !ok {
			continue
		}
		c.mu.Lock()
		hooks := c.hooks
		c.mu.Unlock()
		if hooks == nil {
			continue
		}
		meta := map[string]interface{}{"event_id": e.ID, "source": e.Source}
		if err := hooks.Enqueue(event, data, meta); err != nil {
			c.log.WithError(err).Debug("webhook enqueue failed")
		}
	}
}

// mapWebhookEvent translates a bus event into the webhook event enum. The
// raw received stream forwards only chat messages; other kinds arrive
// through their own dedicated events.
func mapWebhookEvent(e *events.Event) (webhook.EventType, interface{}, bool) {
	switch e.Type {
	case events.TypeMessageReceived:
		if e.Frame == nil || e.Frame.Kind != wire.KindMessage {
			return "", nil, false
		}
		return webhook.EventMessage, e.Frame, true
	case events.TypeTaskCreated:
		return webhook.EventTask, framePayload(e), true
	case events.TypeAgentResponse:
		return webhook.EventTaskResponse, framePayload(e), true
	case events.TypeAgentSelected:
		return webhook.EventAgentSelected, framePayload(e), true
	case events.TypeError:
		data := map[string]interface{}{}
		for k, v := range e.Data {
			data[k] = v
		}
		if e.Err != nil {
			data["error"] = e.Err.Error()
		}
		return webhook.EventError, data, true
	case events.TypeConnState:
		return webhook.EventConnectionState, e.Data, true
	case events.TypeAuthState:
		return webhook.EventAuthState, e.Data, true
	}
	return "", nil, false
}

func framePayload(e *events.Event) interface{} {
	if e.Frame != nil {
		return e.Frame
	}
	return e.Data
}
