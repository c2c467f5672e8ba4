package signature

import (
	"crypto/ecdsa"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentmesh/mesh-go/internal/keys"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

// Signer produces personal-message signatures with a sealed key handle.
type Signer struct {
	key *keys.Handle
}

// NewSigner wraps a key handle. A nil handle yields a nil signer, which
// callers treat as "signing not configured".
func NewSigner(key *keys.Handle) *Signer {
	if key == nil {
		return nil
	}
	return &Signer{key: key}
}

// Address returns the signer's 0x-prefixed address.
func (s *Signer) Address() string { return s.key.Address() }

// SignMessage signs an arbitrary string, typically the server challenge.
// The returned signature is 0x-hex with the recovery byte in 27/28 form.
func (s *Signer) SignMessage(msg string) (string, error) {
	return s.signDigest(PersonalHash([]byte(msg)))
}

// SignFrame computes the canonical content, signs it, and stamps the frame
// with the signature and the signer address.
func (s *Signer) SignFrame(f *wire.Frame) error {
	canonical, err := Canonical(f)
	if err != nil {
		return err
	}
	sig, err := s.signDigest(PersonalHash(canonical))
	if err != nil {
		return err
	}
	f.Signature = sig
	f.PublicKey = s.key.Address()
	return nil
}

func (s *Signer) signDigest(digest []byte) (string, error) {
	var out string
	err := s.key.Use(func(priv *ecdsa.PrivateKey) error {
		sig, err := crypto.Sign(digest, priv)
		if err != nil {
			return mesherr.Wrap(mesherr.CodeSignature, err, "signing failed")
		}
		// Recovery byte on the wire uses the 27/28 convention.
		sig[64] += 27
		out = "0x" + hex.EncodeToString(sig)
		return nil
	})
	return out, err
}
