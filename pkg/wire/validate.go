package wire

import (
	"fmt"
	"strings"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

type fieldType int

const (
	typeString fieldType = iota
	typeBool
	typeArray
)

// fieldRule declares one data field of a frame variant. Bool fields get the
// tolerant stringified-boolean treatment.
type fieldRule struct {
	key      string
	typ      fieldType
	required bool
}

// frameRules holds the per-kind schema. Kinds absent from the map have no
// data requirements beyond a recognized tag.
var frameRules = map[Kind][]fieldRule{
	KindChallenge: {
		{key: "challenge", typ: typeString, required: true},
	},
	KindAuth: {
		{key: "signature", typ: typeString},
		{key: "challenge", typ: typeString},
	},
	KindAuthSuccess: {
		{key: "wallet_address", typ: typeString},
		{key: "authenticated", typ: typeBool},
	},
	KindRegistrationSuccess: {
		{key: "success", typ: typeBool},
	},
	KindTaskResponse: {
		{key: "task_id", typ: typeString},
		{key: "success", typ: typeBool},
	},
	KindCapabilities: {
		{key: "capabilities", typ: typeArray, required: true},
	},
	KindAgents: {
		{key: "agents", typ: typeArray, required: true},
	},
	KindRegister: {
		{key: "name", typ: typeString},
		{key: "capabilities", typ: typeArray},
	},
}

// contentRequired lists kinds whose content field must be non-empty.
var contentRequired = map[Kind]struct{}{
	KindMessage: {},
	KindTask:    {},
}

// roomRequired lists kinds whose room field must be non-empty.
var roomRequired = map[Kind]struct{}{
	KindSubscribe:   {},
	KindUnsubscribe: {},
}

// Validate checks a frame against the schema of its kind. Boolean-declared
// data fields arriving as strings are coerced in place, so downstream code
// always sees real booleans. Violations return a validation error carrying
// the offending field path.
func Validate(f *Frame) error {
	if f == nil {
		return mesherr.New(mesherr.CodeValidation, "frame is nil")
	}
	if f.Kind == "" {
		return mesherr.New(mesherr.CodeValidation, "frame has no kind").WithPath("kind")
	}
	if !f.Kind.Valid() {
		return mesherr.Newf(mesherr.CodeValidation, "unrecognized frame kind %q", f.Kind).WithPath("kind")
	}
	if _, ok := contentRequired[f.Kind]; ok && f.Content == "" {
		return mesherr.Newf(mesherr.CodeValidation, "%s frame requires content", f.Kind).WithPath("content")
	}
	if _, ok := roomRequired[f.Kind]; ok && f.Room == "" {
		return mesherr.Newf(mesherr.CodeValidation, "%s frame requires a room", f.Kind).WithPath("room")
	}
	for _, rule := range frameRules[f.Kind] {
		if err := checkField(f, rule); err != nil {
			return err
		}
	}
	switch f.Kind {
	case KindAuth:
		// The challenge signature rides in the signature field or, for
		// older peers, inside data.
		if f.Signature == "" {
			if _, ok := f.DataString("signature"); !ok {
				return mesherr.New(mesherr.CodeValidation, "auth frame requires a signature").WithPath("signature")
			}
		}
	case KindTaskResponse:
		if f.TaskID == "" {
			if _, ok := f.DataString("task_id"); !ok {
				return mesherr.New(mesherr.CodeValidation, "task_response frame requires a task id").WithPath("task_id")
			}
		}
	case KindError:
		if f.Content == "" && len(f.Data) == 0 {
			return mesherr.New(mesherr.CodeValidation, "error frame carries neither content nor data").WithPath("content")
		}
	}
	return nil
}

func checkField(f *Frame, rule fieldRule) error {
	path := "data." + rule.key
	var v interface{}
	var present bool
	if f.Data != nil {
		v, present = f.Data[rule.key]
	}
	if !present {
		if rule.required {
			return mesherr.Newf(mesherr.CodeValidation, "%s frame requires %s", f.Kind, path).WithPath(path)
		}
		return nil
	}
	switch rule.typ {
	case typeString:
		s, ok := v.(string)
		if !ok {
			return mesherr.Newf(mesherr.CodeValidation, "%s must be a string", path).WithPath(path)
		}
		if rule.required && s == "" {
			return mesherr.Newf(mesherr.CodeValidation, "%s must not be empty", path).WithPath(path)
		}
	case typeBool:
		b, err := coerceBool(v)
		if err != nil {
			return mesherr.Wrap(mesherr.CodeValidation, err, path+" is not a boolean").WithPath(path)
		}
		f.Data[rule.key] = b
	case typeArray:
		if _, ok := v.([]interface{}); !ok {
			return mesherr.Newf(mesherr.CodeValidation, "%s must be an array", path).WithPath(path)
		}
	}
	return nil
}

// coerceBool applies the tolerant boolean rule: native booleans pass
// through, and the usual string spellings are accepted case-insensitively.
func coerceBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("string %q does not spell a boolean", t)
	default:
		return false, fmt.Errorf("value of type %T is not a boolean", v)
	}
}

// CheckSize enforces the serialized frame size cap.
func CheckSize(serialized []byte, max int) error {
	if max > 0 && len(serialized) > max {
		return mesherr.Newf(mesherr.CodeMessage, "frame of %d bytes exceeds the %d byte limit", len(serialized), max)
	}
	return nil
}
