package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/dbrown/permissible-ai/interfaces"
)

// IPFSBackend stores blobs in an IPFS node. IPFS addresses content by CID,
// not by SHA-256, so the backend keeps an in-memory BlobID to CID index for
// the blobs it stored. The index is volatile, matching the service's
// restart-invalidates-everything model.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	log         *slog.Logger
	locationURI string

	mu   sync.Mutex
	cids map[interfaces.BlobID]string
}

// NewIPFSBackend creates an IPFS blob backend connected to host:port.
func NewIPFSBackend(host, port string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/", apiURL),
		cids:        make(map[interfaces.BlobID]string),
	}, nil
}

// Fetch retrieves a blob previously stored through this backend instance.
// Returns ErrBlobNotFound for unknown ids and ErrBackendUnavailable if the
// node is unreachable.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.BlobID) ([]byte, error) {
	b.mu.Lock()
	cid, ok := b.cids[id]
	b.mu.Unlock()
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.Cat("/ipfs/" + cid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob from IPFS: %w", err)
	}

	b.log.Debug("Fetched blob from IPFS",
		slog.String("cid", cid),
		slog.Int("size", len(data)))
	return data, nil
}

// Store adds a blob to IPFS and returns its content address.
func (b *IPFSBackend) Store(ctx context.Context, data []byte) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data))
	if err != nil {
		return id, fmt.Errorf("failed to add blob to IPFS: %w", err)
	}

	b.mu.Lock()
	b.cids[id] = cid
	b.mu.Unlock()

	b.log.Debug("Stored blob in IPFS",
		slog.String("cid", cid),
		slog.String("blobID", id.String()))
	return id, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a short identifier for logging.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI this backend was created from.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
