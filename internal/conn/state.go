// Package conn owns the persistent WebSocket transport: connect and auth
// handshake, serialized outbound writes, request correlation, heartbeat,
// and the reconnect loop.
package conn

// State is the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// AuthState tracks the handshake independent of the socket state.
type AuthState int

const (
	AuthNone AuthState = iota
	AuthPending
	AuthAuthenticated
)

func (a AuthState) String() string {
	switch a {
	case AuthNone:
		return "unauthenticated"
	case AuthPending:
		return "authenticating"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}
