// Package signature signs outbound frames and verifies inbound ones using
// Ethereum personal-message semantics over a canonical frame serialization.
package signature

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

// Canonical returns the signable form of a frame: signature, public_key and
// id removed, unset fields dropped, keys sorted lexicographically. Both
// signer and verifier derive the digest from this exact byte sequence.
func Canonical(f *wire.Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeMessage, err, "frame serialization failed")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, mesherr.Wrap(mesherr.CodeMessage, err, "frame round-trip failed")
	}
	delete(m, "signature")
	delete(m, "public_key")
	delete(m, "id")

	canonical, err := json.Marshal(m)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeMessage, err, "canonical serialization failed")
	}
	return canonical, nil
}

// PersonalHash applies the Ethereum signed-message prefix and keccak256.
func PersonalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}
