// Package wire implements the mesh wire protocol: the frame model, the
// closed kind set, and per-kind schema validation for every inbound and
// outbound frame.
package wire

import (
	"encoding/json"
	"time"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// Kind is the discriminator tag of a frame. The set is closed; unknown tags
// are rejected by the validator.
type Kind string

const (
	KindRequestChallenge    Kind = "request_challenge"
	KindChallenge           Kind = "challenge"
	KindCheckCachedAuth     Kind = "check_cached_auth"
	KindAuth                Kind = "auth"
	KindAuthRequired        Kind = "auth_required"
	KindAuthSuccess         Kind = "auth_success"
	KindAuthError           Kind = "auth_error"
	KindRegister            Kind = "register"
	KindRegistrationSuccess Kind = "registration_success"
	KindMessage             Kind = "message"
	KindTask                Kind = "task"
	KindTaskResponse        Kind = "task_response"
	KindAgentSelected       Kind = "agent_selected"
	KindAgents              Kind = "agents"
	KindError               Kind = "error"
	KindPing                Kind = "ping"
	KindPong                Kind = "pong"
	KindCapabilities        Kind = "capabilities"
	KindSubscribe           Kind = "subscribe"
	KindUnsubscribe         Kind = "unsubscribe"
	KindListRooms           Kind = "list_rooms"
)

// kinds is the membership set for Kind.Valid.
var kinds = map[Kind]struct{}{
	KindRequestChallenge: {}, KindChallenge: {}, KindCheckCachedAuth: {},
	KindAuth: {}, KindAuthRequired: {}, KindAuthSuccess: {}, KindAuthError: {},
	KindRegister: {}, KindRegistrationSuccess: {}, KindMessage: {},
	KindTask: {}, KindTaskResponse: {}, KindAgentSelected: {}, KindAgents: {},
	KindError: {}, KindPing: {}, KindPong: {}, KindCapabilities: {},
	KindSubscribe: {}, KindUnsubscribe: {}, KindListRooms: {},
}

// Valid reports whether k belongs to the closed kind set.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// Frame is the unit of transport: one JSON-serialized, newline-free text
// message. Only Kind is mandatory; everything else is variant-specific.
type Frame struct {
	Kind        Kind                   `json:"kind"`
	ID          string                 `json:"id,omitempty"`
	Content     string                 `json:"content,omitempty"`
	ContentType string                 `json:"content_type,omitempty"`
	From        string                 `json:"from,omitempty"`
	To          string                 `json:"to,omitempty"`
	Room        string                 `json:"room,omitempty"`
	Timestamp   string                 `json:"timestamp,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Signature   string                 `json:"signature,omitempty"`
	PublicKey   string                 `json:"public_key,omitempty"`
	Reasoning   string                 `json:"reasoning,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
}

// New builds an empty frame of the given kind.
func New(kind Kind) *Frame {
	return &Frame{Kind: kind}
}

// Marshal serializes the frame. Map keys serialize in sorted order, which
// keeps the output stable for logging and signing.
func (f *Frame) Marshal() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeMessage, err, "frame serialization failed")
	}
	return b, nil
}

// Decode parses raw bytes into a frame and validates it against the schema
// of its kind.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, mesherr.Wrap(mesherr.CodeValidation, err, "frame is not valid JSON")
	}
	if err := Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the frame against the schema of its kind.
func (f *Frame) Validate() error { return Validate(f) }

// Stamp sets the timestamp to now (UTC, RFC3339) when absent. The pipeline
// calls this at send time.
func (f *Frame) Stamp() {
	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}

// Time parses the frame timestamp. Fractional seconds are accepted.
func (f *Frame) Time() (time.Time, error) {
	if f.Timestamp == "" {
		return time.Time{}, mesherr.New(mesherr.CodeValidation, "frame has no timestamp").WithPath("timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return time.Time{}, mesherr.Wrap(mesherr.CodeValidation, err, "timestamp is not ISO-8601").WithPath("timestamp")
	}
	return t, nil
}

// Clone returns a deep copy. Consumers get copies so handler mutations never
// leak back into the pipeline.
func (f *Frame) Clone() *Frame {
	cp := *f
	if f.Data != nil {
		cp.Data = cloneMap(f.Data)
	}
	return &cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(t)
		case []interface{}:
			s := make([]interface{}, len(t))
			copy(s, t)
			out[k] = s
		default:
			out[k] = v
		}
	}
	return out
}

// DataString returns data[key] as a string when present.
func (f *Frame) DataString(key string) (string, bool) {
	if f.Data == nil {
		return "", false
	}
	s, ok := f.Data[key].(string)
	return s, ok
}

// DataBool returns data[key] as a boolean, applying the tolerant
// stringified-boolean rule the validator uses.
func (f *Frame) DataBool(key string) (bool, bool) {
	if f.Data == nil {
		return false, false
	}
	v, ok := f.Data[key]
	if !ok {
		return false, false
	}
	b, err := coerceBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
