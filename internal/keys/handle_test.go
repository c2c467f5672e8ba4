package keys

import (
	"crypto/ecdsa"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func expectedAddress(t *testing.T) string {
	t.Helper()
	priv, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(priv.PublicKey).Hex()
}

func TestFromHexDerivesAddress(t *testing.T) {
	h, err := FromHex(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, expectedAddress(t), h.Address())
	assert.True(t, strings.HasPrefix(h.Address(), "0x"))
	assert.Len(t, h.Address(), 42)

	prefixed, err := FromHex("0x" + testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, h.Address(), prefixed.Address())
}

func TestFromHexRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "zz", "0x1234", "not-a-key"} {
		_, err := FromHex(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestUseExposesWorkingKey(t *testing.T) {
	h, err := FromHex(testKeyHex)
	require.NoError(t, err)

	var signedWith string
	err = h.Use(func(priv *ecdsa.PrivateKey) error {
		signedWith = crypto.PubkeyToAddress(priv.PublicKey).Hex()
		digest := crypto.Keccak256([]byte("probe"))
		_, signErr := crypto.Sign(digest, priv)
		return signErr
	})
	require.NoError(t, err)
	assert.Equal(t, expectedAddress(t), signedWith)
}

func TestUseIsRepeatable(t *testing.T) {
	h, err := FromHex(testKeyHex)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err = h.Use(func(priv *ecdsa.PrivateKey) error { return nil })
		require.NoError(t, err, "use %d after previous wipe", i)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	blob, err := Seal(testKeyHex, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), testKeyHex, "keystore must not leak the raw key")

	h, err := Open(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, expectedAddress(t), h.Address())
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	blob, err := Seal(testKeyHex, "hunter2")
	require.NoError(t, err)

	_, err = Open(blob, "hunter3")
	require.Error(t, err)
}

func TestKeystoreRejectsCorruptInput(t *testing.T) {
	_, err := Open([]byte("not json"), "x")
	assert.Error(t, err)

	_, err = Open([]byte(`{"version":9,"salt":"00","nonce":"00","sealed":"00"}`), "x")
	assert.Error(t, err)
}
