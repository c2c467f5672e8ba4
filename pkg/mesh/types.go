package mesh

import (
	"crypto/ecdsa"

	"github.com/agentmesh/mesh-go/internal/conn"
	"github.com/agentmesh/mesh-go/internal/keys"
	"github.com/agentmesh/mesh-go/internal/pipeline"
	"github.com/agentmesh/mesh-go/internal/registry"
	"github.com/agentmesh/mesh-go/internal/retry"
	"github.com/agentmesh/mesh-go/internal/webhook"
)

// Aliases lift internal types onto the public surface so callers never
// import internal packages.

// ConnectionState is the connection lifecycle state.
type ConnectionState = conn.State

const (
	StateIdle           = conn.StateIdle
	StateConnecting     = conn.StateConnecting
	StateAuthenticating = conn.StateAuthenticating
	StateReady          = conn.StateReady
	StateReconnecting   = conn.StateReconnecting
	StateDisconnecting  = conn.StateDisconnecting
)

// AuthState is the handshake state.
type AuthState = conn.AuthState

const (
	AuthNone          = conn.AuthNone
	AuthPending       = conn.AuthPending
	AuthAuthenticated = conn.AuthAuthenticated
)

// Agent is one entry of the remote agent roster.
type Agent = registry.Agent

// FrameHandler reacts to one inbound frame. Install with Client.Handle.
type FrameHandler = pipeline.Handler

// FrameContext is the capability set handlers run with.
type FrameContext = pipeline.HandlerContext

// Key is sealed signing material. The private scalar is kept encrypted and
// only decrypted for the duration of a single signing operation.
type Key = keys.Handle

// NewKey seals a hex-encoded secp256k1 private key.
func NewKey(hexKey string) (*Key, error) { return keys.FromHex(hexKey) }

// NewKeyFromECDSA seals an already-parsed private key.
func NewKeyFromECDSA(priv *ecdsa.PrivateKey) (*Key, error) { return keys.FromECDSA(priv) }

// SealKeystore encrypts a hex private key under a passphrase. The returned
// blob is safe to store on disk and opens with OpenKeystore.
func SealKeystore(hexKey, passphrase string) ([]byte, error) { return keys.Seal(hexKey, passphrase) }

// OpenKeystore decrypts a keystore blob produced by SealKeystore.
func OpenKeystore(data []byte, passphrase string) (*Key, error) { return keys.Open(data, passphrase) }

// RetryStrategy selects a backoff curve for reconnects and webhook
// redelivery.
type RetryStrategy = retry.Type

const (
	RetryExponential = retry.Exponential
	RetryLinear      = retry.Linear
	RetryConstant    = retry.Constant
)

// WebhookEvent is one deliverable webhook event kind.
type WebhookEvent = webhook.EventType

const (
	WebhookEventMessage         = webhook.EventMessage
	WebhookEventTask            = webhook.EventTask
	WebhookEventTaskResponse    = webhook.EventTaskResponse
	WebhookEventAgentSelected   = webhook.EventAgentSelected
	WebhookEventError           = webhook.EventError
	WebhookEventConnectionState = webhook.EventConnectionState
	WebhookEventAuthState       = webhook.EventAuthState
)
