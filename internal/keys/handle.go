// Package keys holds signing material sealed at rest. The private key lives
// as a secretbox ciphertext and is decrypted only for the duration of one
// signing operation, then wiped.
package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// Handle wraps one secp256k1 private key. The address is derived once at
// construction; the key bytes stay sealed between uses.
type Handle struct {
	mu      sync.Mutex
	sealed  []byte
	nonce   [24]byte
	sealKey [32]byte
	address string
}

// FromHex builds a handle from a hex-encoded private key, with or without a
// 0x prefix. The input string is the caller's to wipe.
func FromHex(hexKey string) (*Handle, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	priv, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeConfiguration, err, "private key is not valid hex")
	}
	return FromECDSA(priv)
}

// FromECDSA seals an already-parsed private key.
func FromECDSA(priv *ecdsa.PrivateKey) (*Handle, error) {
	h := &Handle{
		address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}
	if _, err := rand.Read(h.sealKey[:]); err != nil {
		return nil, mesherr.Wrap(mesherr.CodeSDK, err, "entropy unavailable")
	}
	if _, err := rand.Read(h.nonce[:]); err != nil {
		return nil, mesherr.Wrap(mesherr.CodeSDK, err, "entropy unavailable")
	}

	raw := crypto.FromECDSA(priv)
	h.sealed = secretbox.Seal(nil, raw, &h.nonce, &h.sealKey)
	zero(raw)
	return h, nil
}

// Address returns the 0x-prefixed checksummed address of the key.
func (h *Handle) Address() string { return h.address }

// Use unseals the key, invokes fn, and wipes the plaintext before
// returning. The key must not escape fn.
func (h *Handle) Use(fn func(priv *ecdsa.PrivateKey) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	raw, ok := secretbox.Open(nil, h.sealed, &h.nonce, &h.sealKey)
	if !ok {
		return mesherr.New(mesherr.CodeSDK, "sealed key failed to open")
	}
	defer zero(raw)

	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return mesherr.Wrap(mesherr.CodeSDK, err, "sealed key is not a valid secp256k1 key")
	}
	defer priv.D.SetInt64(0)

	return fn(priv)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
