package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh-go/internal/keys"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

const (
	keyOneHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	keyTwoHex = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
)

func newSigner(t *testing.T, hexKey string) *Signer {
	t.Helper()
	h, err := keys.FromHex(hexKey)
	require.NoError(t, err)
	return NewSigner(h)
}

func signedTaskResponse(t *testing.T, s *Signer) *wire.Frame {
	t.Helper()
	f := &wire.Frame{
		Kind:        wire.KindTaskResponse,
		ID:          "T1",
		Content:     "result",
		ContentType: "text/plain",
		From:        "agent-a",
		TaskID:      "task-9",
		Data:        map[string]interface{}{"task_id": "task-9", "success": true},
	}
	require.NoError(t, s.SignFrame(f))
	return f
}

func TestCanonicalDropsIdentityFields(t *testing.T) {
	f := &wire.Frame{
		Kind:      wire.KindMessage,
		ID:        "m-1",
		Content:   "hello",
		Signature: "0xsig",
		PublicKey: "0xpub",
	}
	canonical, err := Canonical(f)
	require.NoError(t, err)

	s := string(canonical)
	assert.NotContains(t, s, "signature")
	assert.NotContains(t, s, "public_key")
	assert.NotContains(t, s, `"id"`)
	assert.Contains(t, s, `"content":"hello"`)
}

func TestCanonicalSortsKeys(t *testing.T) {
	f := &wire.Frame{Kind: wire.KindMessage, Content: "x", Room: "lobby", From: "a"}
	canonical, err := Canonical(f)
	require.NoError(t, err)
	assert.Equal(t, `{"content":"x","from":"a","kind":"message","room":"lobby"}`, string(canonical))
}

func TestSignFrameRoundTrip(t *testing.T) {
	s := newSigner(t, keyOneHex)
	f := signedTaskResponse(t, s)

	require.NotEmpty(t, f.Signature)
	assert.Equal(t, s.Address(), f.PublicKey)
	assert.Len(t, f.Signature, 2+130, "0x plus 65 hex-encoded bytes")

	v := NewVerifier(Config{})
	res := v.Verify(f)
	assert.True(t, res.Valid, "reason: %s", res.Reason)
	assert.False(t, res.Missing)
	assert.Equal(t, s.Address(), res.Recovered)
}

func TestVerifyIgnoresIDChanges(t *testing.T) {
	s := newSigner(t, keyOneHex)
	f := signedTaskResponse(t, s)

	// id is outside the signable content, so rewriting it cannot break the
	// signature.
	f.ID = "rewritten-by-transport"
	res := NewVerifier(Config{}).Verify(f)
	assert.True(t, res.Valid, "reason: %s", res.Reason)
}

func TestVerifyDetectsTamperedContent(t *testing.T) {
	s := newSigner(t, keyOneHex)
	f := signedTaskResponse(t, s)

	f.Content = "tampered"
	res := NewVerifier(Config{}).Verify(f)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "does not match")
}

func TestVerifyRejectsWrongDeclaredSigner(t *testing.T) {
	signerTwo := newSigner(t, keyTwoHex)
	f := signedTaskResponse(t, signerTwo)

	// Declares key one's address but carries key two's signature.
	f.PublicKey = newSigner(t, keyOneHex).Address()

	v := NewVerifier(Config{RequireFor: []wire.Kind{wire.KindTaskResponse}})
	res := v.Verify(f)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "does not match")
	assert.Equal(t, signerTwo.Address(), res.Recovered)
}

func TestVerifyWhitelist(t *testing.T) {
	one := newSigner(t, keyOneHex)
	two := newSigner(t, keyTwoHex)

	v := NewVerifier(Config{TrustedAddresses: []string{one.Address()}})

	res := v.Verify(signedTaskResponse(t, one))
	assert.True(t, res.Valid, "reason: %s", res.Reason)
	assert.True(t, res.IsTrusted)

	res = v.Verify(signedTaskResponse(t, two))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "trusted whitelist")
}

func TestWhitelistMatchesCaseInsensitively(t *testing.T) {
	one := newSigner(t, keyOneHex)
	v := NewVerifier(Config{TrustedAddresses: []string{"0X" + one.Address()[2:]}})

	res := v.Verify(signedTaskResponse(t, one))
	assert.True(t, res.Valid, "reason: %s", res.Reason)
}

func TestUnsignedFramePolicy(t *testing.T) {
	unsigned := &wire.Frame{Kind: wire.KindMessage, Content: "hi"}

	lenient := NewVerifier(Config{})
	res := lenient.Verify(unsigned)
	assert.True(t, res.Valid)
	assert.True(t, res.Missing)

	required := NewVerifier(Config{RequireFor: []wire.Kind{wire.KindMessage}})
	res = required.Verify(unsigned)
	assert.False(t, res.Valid)
	assert.True(t, res.Missing)

	strict := NewVerifier(Config{StrictMode: true})
	res = strict.Verify(&wire.Frame{Kind: wire.KindPing})
	assert.False(t, res.Valid)
	assert.True(t, res.Missing)
}

func TestVerifyFallsBackToFromAddress(t *testing.T) {
	s := newSigner(t, keyOneHex)
	f := &wire.Frame{
		Kind:    wire.KindMessage,
		Content: "hello",
		From:    s.Address(),
	}
	require.NoError(t, s.SignFrame(f))
	f.PublicKey = ""

	res := NewVerifier(Config{}).Verify(f)
	assert.True(t, res.Valid, "reason: %s", res.Reason)
}

func TestVerifyWithoutAnyAddressFails(t *testing.T) {
	s := newSigner(t, keyOneHex)
	f := &wire.Frame{Kind: wire.KindMessage, Content: "hello", From: "friendly-name"}
	require.NoError(t, s.SignFrame(f))
	f.PublicKey = ""

	res := NewVerifier(Config{}).Verify(f)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "no address available")
}

func TestVerifyAcceptsLegacyRecoveryByte(t *testing.T) {
	s := newSigner(t, keyOneHex)
	f := signedTaskResponse(t, s)

	// Rewrite the recovery byte from 27/28 form to 0/1 form.
	raw := f.Signature[2:]
	last := raw[len(raw)-2:]
	var flipped string
	switch last {
	case "1b":
		flipped = "00"
	case "1c":
		flipped = "01"
	default:
		t.Fatalf("unexpected recovery byte %q", last)
	}
	f.Signature = "0x" + raw[:len(raw)-2] + flipped

	res := NewVerifier(Config{}).Verify(f)
	assert.True(t, res.Valid, "reason: %s", res.Reason)
}

func TestVerifyRejectsMalformedSignatures(t *testing.T) {
	v := NewVerifier(Config{})
	base := &wire.Frame{Kind: wire.KindMessage, Content: "x", PublicKey: "0x" + "11" + "2233445566778899aabbccddeeff00112233445566"}

	base.Signature = "0xzz"
	assert.Contains(t, v.Verify(base).Reason, "not valid hex")

	base.Signature = "0x1234"
	assert.Contains(t, v.Verify(base).Reason, "65 bytes")
}

func TestSignMessageProducesVerifiableSignature(t *testing.T) {
	s := newSigner(t, keyOneHex)
	sig, err := s.SignMessage("challenge-nonce-123")
	require.NoError(t, err)

	digest := PersonalHash([]byte("challenge-nonce-123"))
	recovered, reason := recoverAddress(digest, sig)
	require.Empty(t, reason)
	assert.Equal(t, s.Address(), recovered)
}
