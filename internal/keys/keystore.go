package keys

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// scrypt parameters, interactive-login strength.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type keystoreFile struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Sealed  string `json:"sealed"`
}

// Seal encrypts a hex private key under a passphrase for storage on disk.
func Seal(hexKey, passphrase string) ([]byte, error) {
	priv, err := crypto.HexToECDSA(strip0x(hexKey))
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeConfiguration, err, "private key is not valid hex")
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, mesherr.Wrap(mesherr.CodeSDK, err, "entropy unavailable")
	}
	derived, err := scrypt.Key([]byte(passphrase), salt[:], scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeSDK, err, "key derivation failed")
	}
	var sealKey [32]byte
	copy(sealKey[:], derived)
	zero(derived)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, mesherr.Wrap(mesherr.CodeSDK, err, "entropy unavailable")
	}

	raw := crypto.FromECDSA(priv)
	sealed := secretbox.Seal(nil, raw, &nonce, &sealKey)
	zero(raw)
	priv.D.SetInt64(0)

	return json.Marshal(keystoreFile{
		Version: 1,
		Salt:    hex.EncodeToString(salt[:]),
		Nonce:   hex.EncodeToString(nonce[:]),
		Sealed:  hex.EncodeToString(sealed),
	})
}

// Open decrypts a keystore produced by Seal and returns a live handle.
func Open(data []byte, passphrase string) (*Handle, error) {
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, mesherr.Wrap(mesherr.CodeConfiguration, err, "keystore is not valid JSON")
	}
	if ks.Version != 1 {
		return nil, mesherr.Newf(mesherr.CodeConfiguration, "unsupported keystore version %d", ks.Version)
	}

	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeConfiguration, err, "keystore salt is not hex")
	}
	nonceBytes, err := hex.DecodeString(ks.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		return nil, mesherr.New(mesherr.CodeConfiguration, "keystore nonce is malformed")
	}
	sealed, err := hex.DecodeString(ks.Sealed)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeConfiguration, err, "keystore payload is not hex")
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeSDK, err, "key derivation failed")
	}
	var sealKey [32]byte
	copy(sealKey[:], derived)
	zero(derived)

	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	raw, ok := secretbox.Open(nil, sealed, &nonce, &sealKey)
	if !ok {
		return nil, mesherr.New(mesherr.CodeAuthentication, "wrong passphrase or corrupted keystore")
	}
	defer zero(raw)

	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CodeConfiguration, err, "keystore does not hold a secp256k1 key")
	}
	defer priv.D.SetInt64(0)

	return FromECDSA(priv)
}

func strip0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
