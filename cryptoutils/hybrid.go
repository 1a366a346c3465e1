// Package cryptoutils implements the hybrid-encryption primitives used by the
// ingestion protocol: RSA-OAEP key unwrapping, AES-256-GCM payload
// encryption, and HKDF subkey derivation for at-rest copies.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12
)

// UnwrapKeyOAEP decrypts a wrapped symmetric key with the environment's RSA
// private key using OAEP with SHA-256 for both the hash and the MGF.
// The unwrapped key must be exactly KeySize bytes.
func UnwrapKeyOAEP(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("OAEP unwrap failed: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("unwrapped key has invalid length %d", len(key))
	}
	return key, nil
}

// WrapKeyOAEP encrypts a symmetric key under an RSA public key using OAEP
// with SHA-256. This is the client side of UnwrapKeyOAEP and is used by the
// verification CLI and the tests.
func WrapKeyOAEP(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

// NewAESKey generates a fresh random AES-256 key.
func NewAESKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// NewNonce generates a fresh random AES-GCM nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// SealAESGCM encrypts plaintext under key with the given nonce.
func SealAESGCM(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// OpenAESGCM decrypts and authenticates ciphertext. A tampered ciphertext or
// wrong key fails authentication; no partial plaintext is ever returned.
func OpenAESGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("AEAD authentication failed: %w", err)
	}
	return plaintext, nil
}

// DeriveSubkey derives an AES-256 subkey from master bound to info using
// HKDF-SHA256. Used so each stored dataset copy is encrypted under its own
// key even when several datasets share one session key.
func DeriveSubkey(master []byte, info string) ([]byte, error) {
	if len(master) < KeySize {
		return nil, errors.New("master key too short for derivation")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
