package signature

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentmesh/mesh-go/pkg/wire"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config selects which frames must carry signatures and who may sign them.
type Config struct {
	// TrustedAddresses is the signer whitelist. Empty means any valid
	// signer is accepted.
	TrustedAddresses []string
	// RequireFor lists frame kinds that must be signed.
	RequireFor []wire.Kind
	// StrictMode requires a signature on every frame.
	StrictMode bool
}

// Result is the verification verdict for one frame.
type Result struct {
	Valid     bool
	Missing   bool
	Recovered string
	IsTrusted bool
	Reason    string
}

// Verifier checks inbound frame signatures against the canonical content.
type Verifier struct {
	trusted    map[string]struct{}
	requireFor map[wire.Kind]struct{}
	strict     bool
}

// NewVerifier builds a verifier from config. Whitelist entries are matched
// case-insensitively.
func NewVerifier(cfg Config) *Verifier {
	v := &Verifier{
		trusted:    make(map[string]struct{}, len(cfg.TrustedAddresses)),
		requireFor: make(map[wire.Kind]struct{}, len(cfg.RequireFor)),
		strict:     cfg.StrictMode,
	}
	for _, a := range cfg.TrustedAddresses {
		v.trusted[strings.ToLower(a)] = struct{}{}
	}
	for _, k := range cfg.RequireFor {
		v.requireFor[k] = struct{}{}
	}
	return v
}

// Required reports whether the given kind must be signed.
func (v *Verifier) Required(kind wire.Kind) bool {
	if v.strict {
		return true
	}
	_, ok := v.requireFor[kind]
	return ok
}

// Verify checks one frame. An unsigned frame passes unless its kind demands
// a signature; a signed frame must recover to its declared address and,
// when a whitelist is set, to a whitelisted signer.
func (v *Verifier) Verify(f *wire.Frame) Result {
	if f.Signature == "" {
		if v.Required(f.Kind) {
			return Result{Missing: true, Reason: "required signature is missing"}
		}
		return Result{Valid: true, Missing: true}
	}

	canonical, err := Canonical(f)
	if err != nil {
		return Result{Reason: "canonical serialization failed: " + err.Error()}
	}
	digest := PersonalHash(canonical)

	declared := f.PublicKey
	if declared == "" && addressPattern.MatchString(f.From) {
		declared = f.From
	}
	if declared == "" {
		return Result{Reason: "no address available for verification"}
	}

	recovered, reason := recoverAddress(digest, f.Signature)
	if reason != "" {
		return Result{Reason: reason}
	}
	if !strings.EqualFold(recovered, declared) {
		return Result{Recovered: recovered, Reason: "signature does not match declared address"}
	}
	if len(v.trusted) > 0 {
		if _, ok := v.trusted[strings.ToLower(recovered)]; !ok {
			return Result{Recovered: recovered, Reason: "signer not in trusted whitelist"}
		}
		return Result{Valid: true, Recovered: recovered, IsTrusted: true}
	}
	return Result{Valid: true, Recovered: recovered, IsTrusted: true}
}

// recoverAddress returns the checksummed signer address, or a reason string
// on failure. Accepts recovery bytes in both 0/1 and 27/28 form.
func recoverAddress(digest []byte, sigHex string) (string, string) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return "", "signature is not valid hex"
	}
	if len(raw) != 65 {
		return "", "signature must be 65 bytes"
	}
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", "signature recovery byte is out of range"
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", "signature recovery failed"
	}
	return crypto.PubkeyToAddress(*pub).Hex(), ""
}
