package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/dbrown/permissible-ai/interfaces"
)

// VaultBackend stores blobs in a HashiCorp Vault KV v2 mount. Vault adds an
// extra at-rest encryption layer on top of the AEAD ciphertext it receives;
// authentication uses a Vault token (VAULT_TOKEN or URI parameter).
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault blob backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path within the mount (e.g. "tee-blobs")
//   - token: Vault token; empty falls back to the client's env configuration
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	host := strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", host, mountPath, dataPath),
	}, nil
}

// Fetch retrieves a blob from Vault by content address.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.BlobID) ([]byte, error) {
	path := b.secretPath("data", id)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrBlobNotFound
	}

	inner, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid KV v2 response from Vault at %s", path)
	}
	encoded, ok := inner["blob"].(string)
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob from Vault: %w", err)
	}

	b.log.Debug("Fetched blob from Vault",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// Store saves a blob to Vault and returns its content address.
func (b *VaultBackend) Store(ctx context.Context, data []byte) (interfaces.BlobID, error) {
	id := interfaces.ComputeBlobID(data)
	path := b.secretPath("data", id)

	payload := map[string]any{
		"data": map[string]any{
			"blob": base64.StdEncoding.EncodeToString(data),
		},
	}
	if _, err := b.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		return id, fmt.Errorf("failed to write blob to Vault: %w", err)
	}

	b.log.Debug("Stored blob in Vault",
		slog.String("path", path),
		slog.String("blobID", id.String()))
	return id, nil
}

// Available checks Vault reachability via the health endpoint.
func (b *VaultBackend) Available(ctx context.Context) bool {
	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		b.log.Warn("Vault backend unavailable", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

// Name returns a short identifier for logging.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s", b.mountPath)
}

// LocationURI returns the URI this backend was created from.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(op string, id interfaces.BlobID) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, op, b.dataPath, id.String())
}
