package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dbrown/permissible-ai/interfaces"
)

// FileBackend stores blobs on the local file system. This is the default
// backend; blobs live under the service data directory with owner-only
// permissions.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at baseDir.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves a blob by content address. Returns ErrBlobNotFound if the
// file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.BlobID) ([]byte, error) {
	path := filepath.Join(b.baseDir, id.String())

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, interfaces.ErrBlobNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	b.log.Debug("Fetched blob from file",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// Store saves a blob and returns its content address.
func (b *FileBackend) Store(ctx context.Context, data []byte) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	path := filepath.Join(b.baseDir, id.String())

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return id, fmt.Errorf("failed to write blob: %w", err)
	}

	b.log.Debug("Stored blob in file",
		slog.String("path", path),
		slog.String("blobID", id.String()))
	return id, nil
}

// Available checks that the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a short identifier for logging.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI this backend was created from.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}
