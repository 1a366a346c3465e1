package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// BlobID is a 32-byte SHA-256 hash uniquely identifying a stored blob.
type BlobID [32]byte

// NewBlobIDFromHex parses a 64-character hex string into a BlobID.
func NewBlobIDFromHex(source string) (BlobID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return BlobID{}, errors.New("invalid blob ID length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return BlobID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id BlobID
	copy(id[:], raw)
	return id, nil
}

// ComputeBlobID calculates the content address of data.
func ComputeBlobID(data []byte) BlobID {
	return BlobID(sha256.Sum256(data))
}

// String returns the hex representation.
func (id BlobID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns the raw 32-byte hash.
func (id BlobID) Bytes() []byte { return id[:] }

// Equal compares two blob IDs.
func (id BlobID) Equal(other BlobID) bool { return bytes.Equal(id[:], other[:]) }

// BlobBackendLocation is a URI identifying a blob backend, e.g.
// "file:///var/lib/tee/blobs" or "s3://bucket/prefix?region=us-west-2".
type BlobBackendLocation string

// Blob storage errors.
var (
	// ErrBlobNotFound indicates the requested blob does not exist in the backend.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBackendUnavailable indicates the backend cannot be reached.
	ErrBackendUnavailable = errors.New("blob backend unavailable")

	// ErrInvalidLocationURI indicates a malformed backend location URI.
	ErrInvalidLocationURI = errors.New("invalid blob backend location URI")
)

// BlobBackend stores already-encrypted dataset payloads outside process
// memory. Backends only ever see AEAD ciphertext; keys stay in memory.
type BlobBackend interface {
	// Fetch retrieves a blob by content address.
	Fetch(ctx context.Context, id BlobID) ([]byte, error)

	// Store saves a blob and returns its content address.
	Store(ctx context.Context, data []byte) (BlobID, error)

	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool

	// Name returns a short identifier for logging.
	Name() string

	// LocationURI returns the URI this backend was created from.
	LocationURI() string
}
