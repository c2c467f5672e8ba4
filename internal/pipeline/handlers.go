package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/agentmesh/mesh-go/internal/conn"
	"github.com/agentmesh/mesh-go/internal/registry"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

// defaultHandlers binds the stock reaction for every kind the client acts
// on. Kinds absent here (the client-to-server requests) are dropped after
// the gates.
func defaultHandlers() map[wire.Kind]Handler {
	return map[wire.Kind]Handler{
		wire.KindChallenge:           handleChallenge,
		wire.KindAuthRequired:        handleAuthRequired,
		wire.KindAuthSuccess:         handleAuthSuccess,
		wire.KindAuthError:           handleAuthError,
		wire.KindRegistrationSuccess: handleRegistrationSuccess,
		wire.KindMessage:             handleMessage,
		wire.KindTask:                handleTask,
		wire.KindTaskResponse:        handleTaskResponse,
		wire.KindAgentSelected:       handleAgentSelected,
		wire.KindAgents:              handleAgents,
		wire.KindError:               handleError,
		wire.KindPing:                handlePing,
		wire.KindPong:                handlePong,
		wire.KindCapabilities:        handleCapabilities,
		wire.KindSubscribe:           handleSubscribe,
		wire.KindUnsubscribe:         handleUnsubscribe,
		wire.KindListRooms:           handleListRooms,
	}
}

// ==================== Authentication ====================

// handleChallenge signs the server nonce and answers with an auth frame.
func handleChallenge(hc *HandlerContext, f *wire.Frame) error {
	nonce, _ := f.DataString("challenge")
	if nonce == "" {
		return mesherr.New(mesherr.CodeAuthentication, "challenge frame carries no challenge text")
	}
	hc.Emit(events.New(events.TypeAuthChallenge, "pipeline", nil).WithFrame(f))

	if hc.Signer == nil {
		return mesherr.New(mesherr.CodeAuthentication, "received a challenge but no signer is configured")
	}
	sig, err := hc.Signer.SignMessage(nonce)
	if err != nil {
		return err
	}
	reply := wire.New(wire.KindAuth)
	reply.From = hc.Signer.Address()
	reply.PublicKey = hc.Signer.Address()
	reply.Signature = sig
	return hc.Send(context.Background(), reply)
}

// handleAuthRequired asks for a fresh challenge unless a handshake already
// concluded.
func handleAuthRequired(hc *HandlerContext, f *wire.Frame) error {
	if hc.AuthState != nil && hc.AuthState() == conn.AuthAuthenticated {
		return nil
	}
	if hc.Signer == nil {
		return mesherr.New(mesherr.CodeAuthentication, "server requires authentication but no signer is configured")
	}
	req := wire.New(wire.KindRequestChallenge)
	req.From = hc.Signer.Address()
	return hc.Send(context.Background(), req)
}

func handleAuthSuccess(hc *HandlerContext, f *wire.Frame) error {
	addr, _ := f.DataString("wallet_address")
	if addr == "" {
		addr, _ = f.DataString("address")
	}
	if hc.AuthSucceeded != nil {
		hc.AuthSucceeded(addr)
	}
	return nil
}

func handleAuthError(hc *HandlerContext, f *wire.Frame) error {
	reason := f.Content
	if reason == "" {
		reason, _ = f.DataString("error")
	}
	if reason == "" {
		reason = "authentication rejected"
	}
	if hc.AuthFailed != nil {
		hc.AuthFailed(mesherr.New(mesherr.CodeAuthentication, reason))
	}
	return nil
}

func handleRegistrationSuccess(hc *HandlerContext, f *wire.Frame) error {
	name, _ := f.DataString("name")
	if name == "" {
		name = hc.AgentName
	}
	hc.Emit(events.New(events.TypeAgentRegistered, "pipeline",
		map[string]interface{}{"name": name}).WithFrame(f))
	return nil
}

// ==================== Traffic ====================

// handleMessage is bookkeeping only; message:received was already emitted
// when the frame came off the wire.
func handleMessage(hc *HandlerContext, f *wire.Frame) error {
	hc.Log.WithFields(logrus.Fields{"from": f.From, "room": f.Room}).Debug("message delivered")
	return nil
}

func handleTask(hc *HandlerContext, f *wire.Frame) error {
	hc.Emit(events.New(events.TypeTaskCreated, "pipeline",
		map[string]interface{}{"task_id": f.TaskID}).WithFrame(f))
	return nil
}

func handleTaskResponse(hc *HandlerContext, f *wire.Frame) error {
	data := map[string]interface{}{"task_id": f.TaskID}
	if ok, found := f.DataBool("success"); found {
		data["success"] = ok
	}
	hc.Emit(events.New(events.TypeAgentResponse, "pipeline", data).WithFrame(f))
	return nil
}

func handleError(hc *HandlerContext, f *wire.Frame) error {
	msg := f.Content
	if msg == "" {
		msg, _ = f.DataString("error")
	}
	if msg == "" {
		msg = "server reported an unspecified error"
	}
	hc.Emit(events.New(events.TypeError, "pipeline", nil).
		WithFrame(f).
		WithError(mesherr.New(mesherr.CodeMessage, msg)))
	return nil
}

func handlePing(hc *HandlerContext, f *wire.Frame) error {
	pong := wire.New(wire.KindPong)
	pong.ID = f.ID
	return hc.Send(context.Background(), pong)
}

func handlePong(hc *HandlerContext, f *wire.Frame) error {
	hc.Log.Debug("pong received")
	return nil
}

// ==================== Roster and rooms ====================

func handleAgents(hc *HandlerContext, f *wire.Frame) error {
	raw, _ := f.Data["agents"].([]interface{})
	list := registry.ParseList(raw)
	if hc.Agents != nil {
		hc.Agents.ReplaceAll(list)
	}
	hc.Emit(events.New(events.TypeAgentsList, "pipeline",
		map[string]interface{}{"count": len(list)}).WithFrame(f))
	return nil
}

func handleAgentSelected(hc *HandlerContext, f *wire.Frame) error {
	data := map[string]interface{}{}
	if name, ok := f.DataString("agent"); ok {
		data["agent"] = name
	}
	hc.Emit(events.New(events.TypeAgentSelected, "pipeline", data).WithFrame(f))
	return nil
}

// handleCapabilities records a peer capability announcement in the roster.
func handleCapabilities(hc *HandlerContext, f *wire.Frame) error {
	if hc.Agents == nil {
		return nil
	}
	name, _ := f.DataString("name")
	if name == "" {
		name = f.From
	}
	if name == "" {
		return nil
	}
	agent := registry.Agent{Name: name, Address: f.From}
	if caps, ok := f.Data["capabilities"].([]interface{}); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				agent.Capabilities = append(agent.Capabilities, s)
			}
		}
	}
	hc.Agents.Upsert(agent)
	return nil
}

func handleSubscribe(hc *HandlerContext, f *wire.Frame) error {
	room := f.Room
	if room == "" {
		room, _ = f.DataString("room")
	}
	if room == "" {
		return mesherr.New(mesherr.CodeMessage, "subscribe frame names no room")
	}
	if hc.Rooms != nil && hc.Rooms.Join(room) {
		hc.Emit(events.New(events.TypeRoomJoined, "pipeline",
			map[string]interface{}{"room": room}))
	}
	return nil
}

func handleUnsubscribe(hc *HandlerContext, f *wire.Frame) error {
	room := f.Room
	if room == "" {
		room, _ = f.DataString("room")
	}
	if room == "" {
		return mesherr.New(mesherr.CodeMessage, "unsubscribe frame names no room")
	}
	if hc.Rooms != nil && hc.Rooms.Leave(room) {
		hc.Emit(events.New(events.TypeRoomLeft, "pipeline",
			map[string]interface{}{"room": room}))
	}
	return nil
}

// handleListRooms serves double duty: a frame carrying data.rooms is the
// server pushing our membership, anything else is a query we answer with
// the local room list.
func handleListRooms(hc *HandlerContext, f *wire.Frame) error {
	if raw, ok := f.Data["rooms"].([]interface{}); ok {
		rooms := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				rooms = append(rooms, s)
			}
		}
		hc.Emit(events.New(events.TypeRoomList, "pipeline",
			map[string]interface{}{"rooms": rooms}).WithFrame(f))
		return nil
	}
	if hc.Rooms == nil {
		return nil
	}
	reply := wire.New(wire.KindListRooms)
	reply.ID = f.ID
	reply.Data = map[string]interface{}{"rooms": hc.Rooms.List()}
	return hc.Send(context.Background(), reply)
}
