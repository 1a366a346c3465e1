package cryptoutils

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test wrap/unwrap roundtrip with a fresh RSA keypair
func TestKeyWrapRoundtrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := NewAESKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	wrapped, err := WrapKeyOAEP(&priv.PublicKey, key)
	require.NoError(t, err)
	assert.NotEqual(t, key, wrapped)

	unwrapped, err := UnwrapKeyOAEP(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)
}

// Unwrapping with a different private key must fail, not return garbage
func TestKeyUnwrapWrongKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := NewAESKey()
	require.NoError(t, err)

	wrapped, err := WrapKeyOAEP(&priv.PublicKey, key)
	require.NoError(t, err)

	_, err = UnwrapKeyOAEP(otherPriv, wrapped)
	require.Error(t, err)
}

// A wrapped key of the wrong length is rejected even if OAEP succeeds
func TestKeyUnwrapInvalidLength(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	wrapped, err := WrapKeyOAEP(&priv.PublicKey, []byte("short"))
	require.NoError(t, err)

	_, err = UnwrapKeyOAEP(priv, wrapped)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid length")
}

func TestSealOpenRoundtrip(t *testing.T) {
	key, err := NewAESKey()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	plaintext := []byte("name,age\nalice,30\nbob,25\n")

	ciphertext, err := SealAESGCM(key, nonce, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "alice")

	recovered, err := OpenAESGCM(key, nonce, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

// A single flipped ciphertext bit must fail authentication
func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := NewAESKey()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	ciphertext, err := SealAESGCM(key, nonce, []byte("sensitive payload"))
	require.NoError(t, err)

	ciphertext[0] ^= 0x01

	plaintext, err := OpenAESGCM(key, nonce, ciphertext)
	require.Error(t, err)
	assert.Nil(t, plaintext)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, err := NewAESKey()
	require.NoError(t, err)
	otherKey, err := NewAESKey()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	ciphertext, err := SealAESGCM(key, nonce, []byte("sensitive payload"))
	require.NoError(t, err)

	_, err = OpenAESGCM(otherKey, nonce, ciphertext)
	require.Error(t, err)
}

func TestSealRejectsBadKeyAndNonce(t *testing.T) {
	key, err := NewAESKey()
	require.NoError(t, err)
	nonce, err := NewNonce()
	require.NoError(t, err)

	_, err = SealAESGCM(key[:16], nonce, []byte("x"))
	require.Error(t, err)

	_, err = SealAESGCM(key, nonce[:8], []byte("x"))
	require.Error(t, err)
}

// Derivation is deterministic per (master, info) and distinct across infos
func TestDeriveSubkey(t *testing.T) {
	master, err := NewAESKey()
	require.NoError(t, err)

	a1, err := DeriveSubkey(master, "dataset-1")
	require.NoError(t, err)
	a2, err := DeriveSubkey(master, "dataset-1")
	require.NoError(t, err)
	b, err := DeriveSubkey(master, "dataset-2")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.NotEqual(t, master, a1)
	assert.Len(t, a1, KeySize)
}

func TestDeriveSubkeyRejectsShortMaster(t *testing.T) {
	_, err := DeriveSubkey([]byte("too short"), "dataset-1")
	require.Error(t, err)
}
